package strata

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeProvider returns scripted responses in order and records every request.
// When the script runs out, the last response repeats. A response beginning
// with "ERR:" is returned as an error instead.
type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []ChatRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	if len(f.responses) == 0 {
		return ChatResponse{}, &ErrLLM{Provider: "fake", Message: "no scripted response"}
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	if after, isErr := strings.CutPrefix(resp, "ERR:"); isErr {
		return ChatResponse{}, &ErrLLM{Provider: "fake", Message: after}
	}
	return ChatResponse{Content: resp}, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) lastRequest() ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ChatRequest{}
	}
	return f.requests[len(f.requests)-1]
}

// fakeEmbedding returns a constant unit-ish vector per text.
type fakeEmbedding struct {
	dim  int
	fail bool
}

func (f *fakeEmbedding) Name() string    { return "fake-embed" }
func (f *fakeEmbedding) Dimensions() int { return f.dim }

func (f *fakeEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, &ErrLLM{Provider: "fake-embed", Message: "embedding down"}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = 0.1
		}
		out[i] = vec
	}
	return out, nil
}

// memProcedural is an in-memory ProceduralStore with fixed scores.
type memProcedural struct {
	mu        sync.Mutex
	workflows []ScoredWorkflow
	upserts   []ProceduralWorkflow
	bumps     map[string]int
	fail      bool
}

func newMemProcedural() *memProcedural {
	return &memProcedural{bumps: map[string]int{}}
}

func (m *memProcedural) TopKSimilar(_ context.Context, _ []float32, k int) ([]ScoredWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("procedural store down")
	}
	if len(m.workflows) > k {
		return m.workflows[:k], nil
	}
	return m.workflows, nil
}

func (m *memProcedural) Upsert(_ context.Context, wf ProceduralWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("procedural store down")
	}
	m.upserts = append(m.upserts, wf)
	return nil
}

func (m *memProcedural) BumpUsage(_ context.Context, workflowID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("procedural store down")
	}
	m.bumps[workflowID] += n
	return nil
}

// memLessons is an in-memory LessonStore returning lessons verbatim.
type memLessons struct {
	mu      sync.Mutex
	lessons []ScoredLesson
	inserts []Lesson
	fail    bool
}

func (m *memLessons) Insert(_ context.Context, l Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("lesson store down")
	}
	m.inserts = append(m.inserts, l)
	return nil
}

func (m *memLessons) TopKSimilar(_ context.Context, _ []float32, agent string, k int) ([]ScoredLesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("lesson store down")
	}
	var out []ScoredLesson
	for _, l := range m.lessons {
		if agent == "" || l.Agent == agent {
			out = append(out, l)
		}
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (m *memLessons) inserted() []Lesson {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lesson, len(m.inserts))
	copy(out, m.inserts)
	return out
}

// fakeAgent is a scriptable SubAgent. outputs are consumed per Execute call;
// the last one repeats.
type fakeAgent struct {
	name     string
	required string
	outputs  []map[string]any
	mu       sync.Mutex
	payloads []map[string]any
}

func (a *fakeAgent) Name() string { return a.name }
func (a *fakeAgent) Hint() string { return `{"` + a.required + `": "<value>"}` }

func (a *fakeAgent) Ready(payload map[string]any) bool {
	if a.required == "" {
		return true
	}
	s, ok := payload[a.required].(string)
	return ok && s != ""
}

func (a *fakeAgent) Fallback(goal string, _ []string) map[string]any {
	if a.required == "" {
		return map[string]any{}
	}
	return map[string]any{a.required: "fallback:" + goal}
}

func (a *fakeAgent) Execute(_ context.Context, _ string, payload map[string]any) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	if len(a.outputs) == 0 {
		return map[string]any{"ok": true}
	}
	out := a.outputs[0]
	if len(a.outputs) > 1 {
		a.outputs = a.outputs[1:]
	}
	return out
}

func (a *fakeAgent) Succeeded(output map[string]any) bool {
	_, failed := output["force_fail"]
	return !failed
}

func (a *fakeAgent) seen() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]any, len(a.payloads))
	copy(out, a.payloads)
	return out
}

// fakeCollaborator answers with a fixed string.
type fakeCollaborator struct {
	answer string
	err    error
	mu     sync.Mutex
	asked  []string
}

func (c *fakeCollaborator) Answer(_ context.Context, _ string, query string) (string, error) {
	c.mu.Lock()
	c.asked = append(c.asked, query)
	c.mu.Unlock()
	return c.answer, c.err
}
