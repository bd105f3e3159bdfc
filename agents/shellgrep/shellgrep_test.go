package shellgrep

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireRipgrep(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(binary); err != nil {
		t.Skip("ripgrep not installed")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadyAliases(t *testing.T) {
	a := New(".")
	if a.Ready(map[string]any{}) {
		t.Error("no pattern means not ready")
	}
	if !a.Ready(map[string]any{"pattern": "foo"}) {
		t.Error("pattern counts")
	}
	if !a.Ready(map[string]any{"query": "foo"}) {
		t.Error("query alias counts")
	}
	if a.Ready(map[string]any{"pattern": "   "}) {
		t.Error("blank pattern does not count")
	}
}

func TestFallbackPicksLongestWord(t *testing.T) {
	a := New(".")
	fb := a.Fallback("find the initialization bug", nil)
	if fb["pattern"] != "initialization" {
		t.Errorf("unexpected fallback: %v", fb)
	}
}

func TestExecuteRejectsBadPaths(t *testing.T) {
	a := New(".")
	for _, p := range []string{"../secrets", "a/../../b", "-r"} {
		out := a.Execute(context.Background(), "s1", map[string]any{"pattern": "x", "path": p})
		if msg, _ := out["error"].(string); !strings.Contains(msg, "invalid path") {
			t.Errorf("path %q should be rejected: %v", p, out)
		}
	}
}

func TestExecuteMissingPattern(t *testing.T) {
	a := New(".")
	out := a.Execute(context.Background(), "s1", map[string]any{})
	if out["error"] != "pattern is required" {
		t.Errorf("unexpected output: %v", out)
	}
	if a.Succeeded(out) {
		t.Error("an error output is not a success")
	}
}

func TestExecuteFindsMatches(t *testing.T) {
	requireRipgrep(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha\nbeta\nalpha again\n")
	writeFile(t, dir, "b.txt", "gamma\n")
	a := New(dir)

	out := a.Execute(context.Background(), "s1", map[string]any{"pattern": "alpha"})
	if out["error"] != nil {
		t.Fatalf("unexpected error: %v", out)
	}
	if out["match_count"] != 2 {
		t.Errorf("expected 2 matches, got %v", out)
	}
	if out["exit_code"] != 0 {
		t.Errorf("a match means exit 0: %v", out)
	}
	if s, _ := out["output"].(string); !strings.Contains(s, "alpha") {
		t.Errorf("raw output should carry the text: %v", out)
	}
	if !a.Succeeded(out) {
		t.Error("matches mean success")
	}
	matches := out["matches"].([]any)
	if !strings.Contains(matches[0].(string), "alpha") {
		t.Errorf("match lines should carry the text: %v", matches)
	}
}

func TestExecuteZeroMatches(t *testing.T) {
	requireRipgrep(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "nothing here\n")
	a := New(dir)

	out := a.Execute(context.Background(), "s1", map[string]any{"pattern": "zebra"})
	if out["error"] != nil {
		t.Fatalf("zero matches is not an error: %v", out)
	}
	if out["match_count"] != 0 || out["exit_code"] != 1 {
		t.Errorf("expected empty exit-1 result, got %v", out)
	}
	if a.Succeeded(out) {
		t.Error("exit 1 with no output does not satisfy the success rule")
	}
}

func TestExecuteDashPatternIsSafe(t *testing.T) {
	requireRipgrep(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "--verbose flag\n")
	a := New(dir)

	out := a.Execute(context.Background(), "s1", map[string]any{"pattern": "--verbose"})
	if out["error"] != nil {
		t.Fatalf("leading-dash patterns must not become flags: %v", out)
	}
	if out["match_count"] != 1 {
		t.Errorf("expected 1 match, got %v", out)
	}
}

func TestExecuteHonorsMatchLimit(t *testing.T) {
	requireRipgrep(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", strings.Repeat("hit\n", 10))
	a := New(dir)

	// Limits arrive as float64 when decoded from JSON.
	out := a.Execute(context.Background(), "s1", map[string]any{"pattern": "hit", "max": float64(3)})
	if out["error"] != nil {
		t.Fatalf("unexpected error: %v", out)
	}
	if out["match_count"] != 3 {
		t.Errorf("expected 3 matches, got %v", out)
	}

	out = a.Execute(context.Background(), "s1", map[string]any{"pattern": "hit", "max_matches": float64(4)})
	if out["match_count"] != 4 {
		t.Errorf("max_matches alias should still work, got %v", out)
	}
}

func TestExecuteDefaultMatchLimit(t *testing.T) {
	requireRipgrep(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", strings.Repeat("hit\n", defaultMax+30))
	a := New(dir)

	out := a.Execute(context.Background(), "s1", map[string]any{"pattern": "hit"})
	if out["error"] != nil {
		t.Fatalf("unexpected error: %v", out)
	}
	if out["match_count"] != defaultMax {
		t.Errorf("expected the default limit of %d, got %v", defaultMax, out["match_count"])
	}
}

func TestSucceededRule(t *testing.T) {
	a := New(".")
	if !a.Succeeded(map[string]any{"exit_code": 0, "output": ""}) {
		t.Error("exit 0 is success even with no output")
	}
	if !a.Succeeded(map[string]any{"exit_code": 1, "output": "partial text"}) {
		t.Error("non-empty output is success regardless of exit code")
	}
	if a.Succeeded(map[string]any{"exit_code": 1, "output": ""}) {
		t.Error("exit 1 with empty output is a failure")
	}
}

func TestPatternOf(t *testing.T) {
	if got := patternOf(map[string]any{"pattern": "  p  "}); got != "p" {
		t.Errorf("pattern should be trimmed: %q", got)
	}
	if got := patternOf(map[string]any{"pattern": 42}); got != "" {
		t.Errorf("non-string patterns are ignored: %q", got)
	}
}
