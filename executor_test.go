package strata

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestExecutor(p Provider, lessons LessonStore, sleeps *[]time.Duration, opts ...ExecutorOption) *Executor {
	all := append([]ExecutorOption{
		executorSleep(func(d time.Duration) {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
		}),
	}, opts...)
	return NewExecutor(p, lessons, all...)
}

func TestRunStepFirstAttemptSuccess(t *testing.T) {
	lessons := &memLessons{}
	agent := &fakeAgent{name: "WebSearch", required: "query"}
	exec := newTestExecutor(&fakeProvider{}, lessons, nil)

	runCtx := NewRunContext()
	step := PlanStep{Agent: "WebSearch", Input: map[string]any{"query": "go"}}
	trace, out := exec.RunStep(context.Background(), agent, "s1", "goal", []float32{0.1}, step, runCtx)

	if !trace.FinalSuccess || len(trace.Attempts) != 1 {
		t.Fatalf("expected one successful attempt, got %+v", trace)
	}
	if out["ok"] != true {
		t.Errorf("unexpected output: %v", out)
	}

	ins := lessons.inserted()
	if len(ins) != 1 || ins[0].Status != LessonSuccess || ins[0].Agent != "WebSearch" {
		t.Fatalf("expected one success lesson, got %+v", ins)
	}
	if ins[0].WorkingParams["query"] != "go" {
		t.Errorf("working params should carry the attempt input: %v", ins[0].WorkingParams)
	}
	if _, present := ins[0].WorkingParams[ContextKey]; present {
		t.Error("working params must not carry the context view")
	}
}

func TestRunStepInjectsContextView(t *testing.T) {
	agent := &fakeAgent{name: "WebSearch", required: "query"}
	exec := newTestExecutor(&fakeProvider{}, nil, nil)

	runCtx := NewRunContext()
	runCtx.Append("step_1_RetrievalQA", map[string]any{"answer": "42"})
	step := PlanStep{Agent: "WebSearch", Input: map[string]any{"query": "go"}}
	exec.RunStep(context.Background(), agent, "s1", "goal", nil, step, runCtx)

	seen := agent.seen()
	if len(seen) != 1 {
		t.Fatal("expected one execution")
	}
	view, ok := seen[0][ContextKey].(map[string]any)
	if !ok {
		t.Fatal("context view missing from payload")
	}
	prior, _ := view["step_1_RetrievalQA"].(map[string]any)
	if prior["answer"] != "42" {
		t.Errorf("prior output missing from view: %v", view)
	}
}

func TestRunStepRetriesWithBackoff(t *testing.T) {
	lessons := &memLessons{}
	agent := &fakeAgent{
		name:     "WebSearch",
		required: "query",
		outputs: []map[string]any{
			{"error": "boom"},
			{"error": "boom again"},
			{"results": true},
		},
	}
	var sleeps []time.Duration
	exec := newTestExecutor(&fakeProvider{}, lessons, &sleeps)

	step := PlanStep{Agent: "WebSearch", Input: map[string]any{"query": "go"}}
	trace, _ := exec.RunStep(context.Background(), agent, "s1", "goal", []float32{0.1}, step, NewRunContext())

	if !trace.FinalSuccess || len(trace.Attempts) != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", trace)
	}
	if len(sleeps) != 2 || sleeps[0] != 500*time.Millisecond || sleeps[1] != time.Second {
		t.Errorf("expected back-off 0.5s then 1s, got %v", sleeps)
	}
	if trace.Attempts[0].Success || !trace.Attempts[2].Success {
		t.Errorf("attempt verdicts wrong: %+v", trace.Attempts)
	}
}

func TestBackoffCap(t *testing.T) {
	if attemptBackoff(1) != 500*time.Millisecond {
		t.Error("attempt 1 should back off 0.5s")
	}
	if attemptBackoff(4) != 2*time.Second {
		t.Error("attempt 4 should cap at 2s")
	}
	if attemptBackoff(100) != 2*time.Second {
		t.Error("back-off must never exceed 2s")
	}
}

func TestRunStepExhaustionWritesFailLesson(t *testing.T) {
	lessons := &memLessons{}
	agent := &fakeAgent{name: "WebSearch", required: "query", outputs: []map[string]any{{"error": "no results"}}}
	exec := newTestExecutor(&fakeProvider{}, lessons, nil, ExecutorMaxAttempts(2))

	step := PlanStep{Agent: "WebSearch", Input: map[string]any{"query": "go"}}
	trace, out := exec.RunStep(context.Background(), agent, "s1", "goal", []float32{0.1}, step, NewRunContext())

	if trace.FinalSuccess || len(trace.Attempts) != 2 {
		t.Fatalf("expected 2 failed attempts, got %+v", trace)
	}
	if out["error"] != "no results" {
		t.Errorf("final output should be last attempt's: %v", out)
	}
	ins := lessons.inserted()
	if len(ins) != 1 || ins[0].Status != LessonFail {
		t.Fatalf("expected one fail lesson, got %+v", ins)
	}
	if !strings.Contains(ins[0].ErrorSnippet, "no results") {
		t.Errorf("fail lesson should carry the error: %+v", ins[0])
	}
}

func TestRunStepSkipsLessonsWithoutEmbedding(t *testing.T) {
	lessons := &memLessons{}
	agent := &fakeAgent{name: "WebSearch", required: "query"}
	exec := newTestExecutor(&fakeProvider{}, lessons, nil)

	step := PlanStep{Agent: "WebSearch", Input: map[string]any{"query": "go"}}
	exec.RunStep(context.Background(), agent, "s1", "goal", nil, step, NewRunContext())

	if len(lessons.inserted()) != 0 {
		t.Error("no goal embedding means no lesson writes")
	}
}

func TestProposerFillsMissingParams(t *testing.T) {
	lessons := &memLessons{
		lessons: []ScoredLesson{
			{Lesson: Lesson{Agent: "WebSearch", Status: LessonSuccess,
				WorkingParams: map[string]any{"query": "from lesson", "depth": 2}}, Score: 0.9},
			{Lesson: Lesson{Agent: "WebSearch", Status: LessonFail,
				FixSummary: "quote multi-word queries"}, Score: 0.8},
		},
	}
	p := &fakeProvider{responses: []string{`{"query":"from proposer"}`}}
	agent := &fakeAgent{name: "WebSearch", required: "query"}
	exec := newTestExecutor(p, lessons, nil)

	step := PlanStep{Agent: "WebSearch", Input: map[string]any{}}
	trace, _ := exec.RunStep(context.Background(), agent, "s1", "goal", []float32{0.1}, step, NewRunContext())

	if !trace.FinalSuccess {
		t.Fatalf("expected success, got %+v", trace)
	}
	// Proposer output wins over the lesson snippet for the overlapping key.
	if got := trace.Attempts[0].Input["query"]; got != "from proposer" {
		t.Errorf("expected proposer value, got %v", got)
	}
	// Non-overlapping snippet key survives.
	if got := trace.Attempts[0].Input["depth"]; got != 2 {
		t.Errorf("expected snippet fill for depth, got %v", got)
	}
	// The proposer prompt carries lesson hints.
	user := p.lastRequest().Messages[1].Content
	if !strings.Contains(user, "from lesson") || !strings.Contains(user, "quote multi-word") {
		t.Errorf("proposer prompt should carry lesson hints: %s", user)
	}
}

func TestProposerRespectsExplicitInput(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"query":"overridden","extra":"added"}`}}
	agent := &fakeAgent{name: "WebSearch", required: "extra"}
	exec := newTestExecutor(p, nil, nil)

	step := PlanStep{Agent: "WebSearch", Input: map[string]any{"query": "explicit"}}
	trace, _ := exec.RunStep(context.Background(), agent, "s1", "goal", nil, step, NewRunContext())

	in := trace.Attempts[0].Input
	if in["query"] != "explicit" {
		t.Errorf("explicit plan input must win: %v", in)
	}
	if in["extra"] != "added" {
		t.Errorf("proposer should fill the missing field: %v", in)
	}
}

func TestProposerFailureUsesAgentFallback(t *testing.T) {
	p := &fakeProvider{responses: []string{`ERR:model down`}}
	agent := &fakeAgent{name: "WebSearch", required: "query"}
	exec := newTestExecutor(p, nil, nil, ExecutorMaxAttempts(2))

	step := PlanStep{Agent: "WebSearch", Input: map[string]any{}}
	trace, _ := exec.RunStep(context.Background(), agent, "s1", "my goal", nil, step, NewRunContext())

	if got := trace.Attempts[0].Input["query"]; got != "fallback:my goal" {
		t.Errorf("expected agent fallback payload, got %v", got)
	}
}

func TestGuardConvertsPanicsAndNil(t *testing.T) {
	panicky := &panicAgent{}
	out := Guard(context.Background(), panicky, "s1", map[string]any{})
	if msg, _ := out["error"].(string); !strings.Contains(msg, "agent panic") {
		t.Errorf("panic should become an error output: %v", out)
	}

	nilly := &fakeAgent{name: "X", outputs: []map[string]any{nil}}
	out = Guard(context.Background(), nilly, "s1", map[string]any{})
	if out == nil || out["error"] != "agent returned no output" {
		t.Errorf("nil output should become an error: %v", out)
	}
}

func TestGuardMarksTimeout(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	a := &fakeAgent{name: "X", outputs: []map[string]any{{"error": "connection reset"}}}
	out := Guard(ctx, a, "s1", map[string]any{})
	if out["error"] != "timeout" {
		t.Errorf("expired deadline with error should read timeout: %v", out)
	}
}

type panicAgent struct{ fakeAgent }

func (p *panicAgent) Name() string { return "Panicky" }
func (p *panicAgent) Execute(context.Context, string, map[string]any) map[string]any {
	panic("kaboom")
}
