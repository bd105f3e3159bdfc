package strata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const plannerSystemPrompt = `You are a task planner. Decompose the high-level goal into ordered steps.
Available agents: RetrievalQA, DatabaseQuery, WebSearch, ShellTool, ReportSynthesis.
Return strict JSON: {"steps":[{"agent":<name>,"input":{...}}]}
Rules: Keep 3-6 steps. Use RetrievalQA for indexed knowledge, WebSearch for the live web, DatabaseQuery for SQL questions, ShellTool for searching local files, ReportSynthesis for final summarization.`

// Planner decomposes a goal into an ordered plan via strict-JSON completion,
// retrying on malformed output. When all attempts fail it returns the default
// fallback plan so the run can still proceed.
type Planner struct {
	provider    Provider
	registry    *Registry
	maxAttempts int
	logger      *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// PlannerMaxAttempts sets the number of strict-JSON parse retries (default 3).
func PlannerMaxAttempts(n int) PlannerOption {
	return func(p *Planner) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// PlannerLogger sets a structured logger for planning events.
func PlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner creates a Planner over the given provider and agent registry.
func NewPlanner(provider Provider, registry *Registry, opts ...PlannerOption) *Planner {
	p := &Planner{
		provider:    provider,
		registry:    registry,
		maxAttempts: 3,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Plan produces a plan of length >= 1 for the goal. Steps naming unknown
// agents are dropped; if every attempt yields an empty plan, the fallback
// plan [RetrievalQA(query=goal), ReportSynthesis()] is returned.
func (p *Planner) Plan(ctx context.Context, goal string) Plan {
	prompt := fmt.Sprintf("Goal: %s\nProduce steps now.", goal)

	var prevRaw string
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		user := prompt
		if attempt > 1 {
			user = fmt.Sprintf("%s\nRefine based on last failed attempt: %s", prompt, prevRaw)
		}

		resp, err := p.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
			SystemMessage(plannerSystemPrompt),
			UserMessage(user),
		}})
		if err != nil {
			p.logger.Warn("planner: completion failed", "attempt", attempt, "error", err)
			continue
		}
		prevRaw = resp.Content

		plan, err := p.parsePlan(resp.Content)
		if err != nil {
			p.logger.Warn("planner: malformed output", "attempt", attempt, "error", err)
			continue
		}
		if len(plan) > 0 {
			return plan
		}
		p.logger.Warn("planner: empty plan after filtering", "attempt", attempt)
	}

	p.logger.Info("planner: using fallback plan", "goal", goal)
	return FallbackPlan(goal)
}

// parsePlan decodes a strict-JSON {"steps":[...]} object and filters out
// steps with empty or unknown agent names. Missing or non-object inputs are
// coerced to empty maps.
func (p *Planner) parsePlan(raw string) (Plan, error) {
	obj, err := DecodeStrictJSON(raw)
	if err != nil {
		return nil, err
	}

	// Re-decode the steps list into typed form.
	stepsRaw, err := json.Marshal(obj["steps"])
	if err != nil {
		return nil, err
	}
	var steps []struct {
		Agent string          `json:"agent"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(stepsRaw, &steps); err != nil {
		return nil, &ErrMalformedJSON{Raw: raw, Reason: "steps is not a list: " + err.Error()}
	}

	var plan Plan
	for _, st := range steps {
		if st.Agent == "" {
			continue
		}
		if !p.registry.Has(st.Agent) {
			p.logger.Warn("planner: dropping unknown agent", "agent", st.Agent)
			continue
		}
		input := map[string]any{}
		if len(st.Input) > 0 {
			// Non-object inputs are coerced to {}.
			_ = json.Unmarshal(st.Input, &input)
		}
		plan = append(plan, PlanStep{Agent: st.Agent, Input: input})
	}
	return plan, nil
}

// FallbackPlan is the default plan used when planning fails entirely.
func FallbackPlan(goal string) Plan {
	return Plan{
		{Agent: "RetrievalQA", Input: map[string]any{"query": goal}},
		{Agent: "ReportSynthesis", Input: map[string]any{}},
	}
}
