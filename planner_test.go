package strata

import (
	"context"
	"strings"
	"testing"
)

func testRegistry(names ...string) *Registry {
	var agents []SubAgent
	for _, n := range names {
		agents = append(agents, &fakeAgent{name: n, required: "query"})
	}
	return NewRegistry(agents...)
}

func TestPlannerParsesPlan(t *testing.T) {
	p := &fakeProvider{responses: []string{
		`{"steps":[{"agent":"WebSearch","input":{"query":"go concurrency"}},{"agent":"ReportSynthesis","input":{}}]}`,
	}}
	planner := NewPlanner(p, testRegistry("WebSearch", "ReportSynthesis"))

	plan := planner.Plan(context.Background(), "summarize go concurrency")
	if len(plan) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan))
	}
	if plan[0].Agent != "WebSearch" || plan[0].Input["query"] != "go concurrency" {
		t.Errorf("unexpected first step: %+v", plan[0])
	}
}

func TestPlannerRetriesOnMalformed(t *testing.T) {
	p := &fakeProvider{responses: []string{
		`sure! here is the plan`,
		`{"steps":[{"agent":"WebSearch","input":{"query":"x"}}]}`,
	}}
	planner := NewPlanner(p, testRegistry("WebSearch"))

	plan := planner.Plan(context.Background(), "goal")
	if len(plan) != 1 {
		t.Fatalf("expected recovery on attempt 2, got %v", plan)
	}
	if p.calls() != 2 {
		t.Errorf("expected 2 provider calls, got %d", p.calls())
	}
	// Refinement prompt carries the previous raw output.
	last := p.lastRequest()
	if !strings.Contains(last.Messages[1].Content, "sure! here is the plan") {
		t.Errorf("retry prompt should include previous output: %s", last.Messages[1].Content)
	}
}

func TestPlannerDropsUnknownAgents(t *testing.T) {
	p := &fakeProvider{responses: []string{
		`{"steps":[{"agent":"Nonexistent","input":{}},{"agent":"WebSearch","input":{"query":"x"}}]}`,
	}}
	planner := NewPlanner(p, testRegistry("WebSearch"))

	plan := planner.Plan(context.Background(), "goal")
	if len(plan) != 1 || plan[0].Agent != "WebSearch" {
		t.Errorf("unknown agent should be dropped: %v", plan)
	}
}

func TestPlannerCoercesNonObjectInput(t *testing.T) {
	p := &fakeProvider{responses: []string{
		`{"steps":[{"agent":"WebSearch","input":"just a string"}]}`,
	}}
	planner := NewPlanner(p, testRegistry("WebSearch"))

	plan := planner.Plan(context.Background(), "goal")
	if len(plan) != 1 {
		t.Fatalf("expected 1 step, got %v", plan)
	}
	if plan[0].Input == nil || len(plan[0].Input) != 0 {
		t.Errorf("non-object input should coerce to empty map: %v", plan[0].Input)
	}
}

func TestPlannerFallsBackAfterExhaustion(t *testing.T) {
	p := &fakeProvider{responses: []string{`garbage`}}
	planner := NewPlanner(p, testRegistry("RetrievalQA", "ReportSynthesis"), PlannerMaxAttempts(2))

	plan := planner.Plan(context.Background(), "find things")
	if p.calls() != 2 {
		t.Errorf("expected 2 attempts, got %d", p.calls())
	}
	if len(plan) != 2 || plan[0].Agent != "RetrievalQA" || plan[1].Agent != "ReportSynthesis" {
		t.Fatalf("expected fallback plan, got %v", plan)
	}
	if plan[0].Input["query"] != "find things" {
		t.Errorf("fallback should carry the goal: %v", plan[0].Input)
	}
}
