package report

import (
	"context"
	"strings"
	"testing"

	strata "github.com/nevindra/strata"
)

type scriptedProvider struct {
	response string
	fail     bool
	requests []strata.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req strata.ChatRequest) (strata.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.fail {
		return strata.ChatResponse{}, &strata.ErrLLM{Provider: "scripted", Message: "down"}
	}
	return strata.ChatResponse{Content: p.response}, nil
}

func testView() map[string]any {
	return map[string]any{
		"step_1_WebSearch": map[string]any{"result_count": 3},
		"step_2_RetrievalQA": map[string]any{
			"answer": "Goroutines multiplex onto OS threads.",
		},
	}
}

func TestExecuteSynthesizes(t *testing.T) {
	p := &scriptedProvider{response: "The final report."}
	a := New(p)

	out := a.Execute(context.Background(), "s1", map[string]any{
		"goal":           "explain goroutines",
		"style":          "two paragraphs",
		strata.ContextKey: testView(),
	})
	if out["report"] != "The final report." {
		t.Fatalf("unexpected output: %v", out)
	}
	if _, degraded := out["note"]; degraded {
		t.Error("model path must not carry a degradation note")
	}
	if !a.Succeeded(out) {
		t.Error("a report is a success")
	}

	user := p.requests[0].Messages[1].Content
	for _, want := range []string{"explain goroutines", "two paragraphs", "step_2_RetrievalQA", "multiplex"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q: %s", want, user)
		}
	}
}

func TestExecuteDigestFallback(t *testing.T) {
	a := New(&scriptedProvider{fail: true})

	out := a.Execute(context.Background(), "s1", map[string]any{
		"goal":           "explain goroutines",
		strata.ContextKey: testView(),
	})
	report, _ := out["report"].(string)
	if report == "" {
		t.Fatalf("digest fallback must still produce a report: %v", out)
	}
	note, _ := out["note"].(string)
	if !strings.HasPrefix(note, "synthesized without model:") {
		t.Errorf("degradation must be noted: %v", out)
	}
	if !a.Succeeded(out) {
		t.Error("a degraded report still counts")
	}
	// Bullets in sorted key order, flattened to one line each.
	if !strings.Contains(report, "- step_1_WebSearch:") || !strings.Contains(report, "- step_2_RetrievalQA: Goroutines multiplex onto OS threads.") {
		t.Errorf("digest bullets wrong:\n%s", report)
	}
	if strings.Index(report, "step_1_WebSearch") > strings.Index(report, "step_2_RetrievalQA") {
		t.Errorf("digest keys out of order:\n%s", report)
	}
}

func TestExecuteEmptyCompletionFallsBack(t *testing.T) {
	a := New(&scriptedProvider{response: "   \n"})
	out := a.Execute(context.Background(), "s1", map[string]any{strata.ContextKey: testView()})
	if _, degraded := out["note"]; !degraded {
		t.Errorf("blank completions degrade to the digest: %v", out)
	}
}

func TestDigestEmptyContext(t *testing.T) {
	got := digest("goal", nil)
	if !strings.Contains(got, "No step outputs were produced.") {
		t.Errorf("unexpected digest: %q", got)
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize(map[string]any{"error": "it  broke\nbadly"}); got != "it broke badly" {
		t.Errorf("errors flatten to one line: %q", got)
	}
	long := strings.Repeat("w ", 300)
	if got := summarize(map[string]any{"answer": long}); len(got) > 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("long summaries are truncated: %d chars", len(got))
	}
	if got := summarize("plain string"); got != "plain string" {
		t.Errorf("non-map values pass through: %q", got)
	}
}

func TestReadyAlways(t *testing.T) {
	a := New(&scriptedProvider{})
	if !a.Ready(map[string]any{}) {
		t.Error("report synthesis needs no required fields")
	}
	if a.Succeeded(map[string]any{"report": "  "}) {
		t.Error("a blank report is not a success")
	}
}
