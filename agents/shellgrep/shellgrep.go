package shellgrep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	strata "github.com/nevindra/strata"
)

const (
	binary     = "rg"
	defaultMax = 200
	maxOutput  = 4000
)

// Agent searches local files with ripgrep. The only binary it will ever run
// is rg; everything else about the invocation is fixed flags plus the
// pattern and path from the payload.
type Agent struct {
	root string
}

// New creates a ShellTool agent searching under root ("." when empty).
func New(root string) *Agent {
	if root == "" {
		root = "."
	}
	return &Agent{root: root}
}

var _ strata.SubAgent = (*Agent)(nil)

func (a *Agent) Name() string { return "ShellTool" }

func (a *Agent) Hint() string {
	return `{"pattern": "<regex to search for>", "path": "<subdirectory or file, optional>", "max": <match limit, optional, default 200>}`
}

func (a *Agent) Ready(payload map[string]any) bool {
	return patternOf(payload) != ""
}

func (a *Agent) Fallback(goal string, _ []string) map[string]any {
	// Degenerate but safe: search for the longest word of the goal.
	longest := ""
	for _, w := range strings.Fields(goal) {
		if len(w) > len(longest) {
			longest = w
		}
	}
	return map[string]any{"pattern": longest, "path": "."}
}

func (a *Agent) Execute(ctx context.Context, _ string, payload map[string]any) map[string]any {
	pattern := patternOf(payload)
	if pattern == "" {
		return map[string]any{"error": "pattern is required"}
	}

	path := a.root
	if p, ok := payload["path"].(string); ok && strings.TrimSpace(p) != "" {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "-") || strings.Contains(p, "..") {
			return map[string]any{"error": "invalid path: " + p}
		}
		path = p
	}
	limit := defaultMax
	for _, key := range []string{"max", "max_matches"} {
		if n, ok := intOf(payload[key]); ok && n > 0 {
			limit = n
			break
		}
	}

	if _, err := exec.LookPath(binary); err != nil {
		return map[string]any{"error": "ripgrep not available: " + err.Error()}
	}

	// -e keeps patterns starting with "-" from being read as flags.
	cmd := exec.CommandContext(ctx, binary,
		"-n", "--no-heading", "-S", "-m", strconv.Itoa(limit), "-e", pattern, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return map[string]any{"error": "search timed out", "pattern": pattern}
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		// Exit 1 means no matches, which is a normal empty result.
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return map[string]any{"error": fmt.Sprintf("rg failed: %s", msg), "pattern": pattern}
		}
		exitCode = 1
	}

	out := stdout.String()
	if len(out) > maxOutput {
		out = out[:maxOutput]
	}
	var matches []any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			matches = append(matches, line)
		}
	}
	return map[string]any{
		"pattern":     pattern,
		"path":        path,
		"exit_code":   exitCode,
		"output":      out,
		"matches":     matches,
		"match_count": len(matches),
	}
}

// Succeeded passes when the tool exited cleanly or produced output.
func (a *Agent) Succeeded(output map[string]any) bool {
	if code, ok := intOf(output["exit_code"]); ok && code == 0 {
		return true
	}
	s, _ := output["output"].(string)
	return s != ""
}

func patternOf(payload map[string]any) string {
	for _, key := range []string{"pattern", "query"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
