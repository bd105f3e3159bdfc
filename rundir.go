package strata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunDir is the per-run artifact directory:
// <base>/<UTC yyyymmdd_hhmmss>/<session_id>/. Every artifact is written
// exactly once; a second write to the same name fails.
type RunDir struct {
	path string
}

// NewRunDir creates the run directory for a session under base, stamped with
// the current UTC time.
func NewRunDir(base, sessionID string) (*RunDir, error) {
	return newRunDirAt(base, sessionID, time.Now().UTC())
}

func newRunDirAt(base, sessionID string, now time.Time) (*RunDir, error) {
	path := filepath.Join(base, now.Format("20060102_150405"), sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &RunDir{path: path}, nil
}

// Path returns the run directory path.
func (d *RunDir) Path() string { return d.path }

// WriteJSON writes v as 2-space-indented JSON to name, once.
func (d *RunDir) WriteJSON(name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return d.writeOnce(name, buf.Bytes())
}

// WriteText writes a plain-text artifact, once.
func (d *RunDir) WriteText(name, text string) error {
	return d.writeOnce(name, []byte(text))
}

// ReadJSON reads a previously written JSON artifact into v.
func (d *RunDir) ReadJSON(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (d *RunDir) writeOnce(name string, data []byte) error {
	f, err := os.OpenFile(filepath.Join(d.path, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}
