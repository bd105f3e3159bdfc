package strata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const reflectorSystemPrompt = `You analyze the execution traces of a completed multi-agent run and extract reusable lessons.
For each agent that failed, name the failure pattern and a recommended fix, with an example input that would likely work.
For each agent that succeeded after refinement, capture the working parameter set.
Return strict JSON: {"fail_patterns":[{"agent":<name>,"pattern":<text>,"recommended_fix":<text>,"example_input":{...}}],"success_snippets":[{"agent":<name>,"working_params":{...}}]}`

// errorSnippetLimit caps the error text stored on reflection lessons.
const errorSnippetLimit = 500

// Learner distills a completed run into procedural memory and, via an
// LLM reflection pass over the step traces, into lesson memory. Both paths
// are best-effort from the caller's point of view.
type Learner struct {
	provider   Provider
	procedural ProceduralStore
	lessons    LessonStore
	logger     *slog.Logger
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// LearnerLogger sets a structured logger for learning events.
func LearnerLogger(l *slog.Logger) LearnerOption {
	return func(ln *Learner) { ln.logger = l }
}

// NewLearner creates a Learner. procedural or lessons may be nil to disable
// the corresponding write path.
func NewLearner(provider Provider, procedural ProceduralStore, lessons LessonStore, opts ...LearnerOption) *Learner {
	ln := &Learner{
		provider:   provider,
		procedural: procedural,
		lessons:    lessons,
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(ln)
	}
	return ln
}

// Learn stores the executed plan as a fresh procedural workflow keyed by the
// goal embedding, and returns it. A missing embedding aborts the learn: a
// workflow without a trigger can never be retrieved.
func (ln *Learner) Learn(ctx context.Context, goal string, goalVec []float32, plan Plan, runCtx *RunContext) (ProceduralWorkflow, error) {
	if ln.procedural == nil {
		return ProceduralWorkflow{}, fmt.Errorf("procedural memory disabled")
	}
	if len(goalVec) == 0 {
		return ProceduralWorkflow{}, fmt.Errorf("no goal embedding, skipping workflow learn")
	}
	wf := ProceduralWorkflow{
		WorkflowID: NewID(),
		Trigger:    goalVec,
		Pattern:    goal,
		Goal:       goal,
		Plan:       plan,
		ResultKeys: runCtx.Keys(),
		UsageCount: 1,
	}
	if err := ln.procedural.Upsert(ctx, wf); err != nil {
		return ProceduralWorkflow{}, fmt.Errorf("store workflow: %w", err)
	}
	ln.logger.Info("learned workflow", "workflow_id", wf.WorkflowID, "steps", len(plan))
	return wf, nil
}

// reflectionEvidence is the condensed per-step material fed to the reflector:
// the last attempts of each step, not the full trace.
type reflectionEvidence struct {
	Agent        string        `json:"agent"`
	FinalSuccess bool          `json:"final_success"`
	LastAttempts []StepAttempt `json:"last_attempts"`
}

// Reflection is the parsed output of a reflection pass.
type Reflection struct {
	FailPatterns []struct {
		Agent          string         `json:"agent"`
		Pattern        string         `json:"pattern"`
		RecommendedFix string         `json:"recommended_fix"`
		ExampleInput   map[string]any `json:"example_input"`
	} `json:"fail_patterns"`
	SuccessSnippets []struct {
		Agent         string         `json:"agent"`
		WorkingParams map[string]any `json:"working_params"`
	} `json:"success_snippets"`
}

// Reflect runs the reflection completion over the step traces and writes the
// extracted lessons. Lesson writes are skipped when the goal embedding is
// absent. Returns the parsed reflection for artifact persistence.
func (ln *Learner) Reflect(ctx context.Context, goal string, goalVec []float32, traces []StepTrace) (Reflection, error) {
	var reflection Reflection

	evidence := make([]reflectionEvidence, 0, len(traces))
	for _, tr := range traces {
		attempts := tr.Attempts
		if len(attempts) > 2 {
			attempts = attempts[len(attempts)-2:]
		}
		evidence = append(evidence, reflectionEvidence{
			Agent:        tr.Agent,
			FinalSuccess: tr.FinalSuccess,
			LastAttempts: attempts,
		})
	}

	body, err := marshalNoEscape(map[string]any{"goal": goal, "steps": evidence})
	if err != nil {
		return reflection, err
	}
	obj, err := CompletionJSON(ctx, ln.provider, reflectorSystemPrompt, string(body))
	if err != nil {
		return reflection, fmt.Errorf("reflection completion: %w", err)
	}
	raw, err := marshalNoEscape(obj)
	if err != nil {
		return reflection, err
	}
	if err := json.Unmarshal(raw, &reflection); err != nil {
		return reflection, fmt.Errorf("reflection shape: %w", err)
	}

	ln.writeReflectionLessons(ctx, goal, goalVec, reflection)
	return reflection, nil
}

// writeReflectionLessons turns reflection findings into lesson rows.
func (ln *Learner) writeReflectionLessons(ctx context.Context, goal string, goalVec []float32, r Reflection) {
	if ln.lessons == nil || len(goalVec) == 0 {
		return
	}
	for _, fp := range r.FailPatterns {
		if fp.Agent == "" {
			continue
		}
		l := Lesson{
			Trigger:       goalVec,
			GoalText:      goal,
			Agent:         fp.Agent,
			Status:        LessonFail,
			ErrorSnippet:  truncate(fp.Pattern, errorSnippetLimit),
			FixSummary:    fp.RecommendedFix,
			WorkingParams: fp.ExampleInput,
		}
		bestEffort(ln.logger, "reflection fail lesson", func() error {
			return ln.lessons.Insert(ctx, l)
		})
	}
	for _, ss := range r.SuccessSnippets {
		if ss.Agent == "" || len(ss.WorkingParams) == 0 {
			continue
		}
		l := Lesson{
			Trigger:       goalVec,
			GoalText:      goal,
			Agent:         ss.Agent,
			Status:        LessonSuccess,
			WorkingParams: ss.WorkingParams,
		}
		bestEffort(ln.logger, "reflection success lesson", func() error {
			return ln.lessons.Insert(ctx, l)
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
