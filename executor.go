package strata

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// previewLimit caps the per-attempt output preview stored in traces.
	previewLimit = 4096

	defaultAgentTimeout = 30 * time.Second
	defaultShellTimeout = 5 * time.Second
)

const proposerSystemPrompt = `You propose input parameters for a sub-agent about to execute one step of a task.
Use the goal, the schema hint, prior context keys, known-good parameter sets, and patterns to avoid.
Return strict JSON: an object whose keys are the agent's input parameters.`

// Executor runs one plan step with iterative parameter refinement, bounded
// retries with linear-capped back-off, success adjudication, and trace
// logging. Sub-agent failures are values; the executor never propagates an
// exception from a step.
type Executor struct {
	provider Provider
	lessons  LessonStore // nil disables lesson retrieval and writes
	attempts int
	timeouts map[string]time.Duration
	timeout  time.Duration
	sleep    func(time.Duration)
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorMaxAttempts sets attempts per step (default 3; always at least 2).
func ExecutorMaxAttempts(n int) ExecutorOption {
	return func(e *Executor) { e.attempts = max(2, n) }
}

// ExecutorTimeout sets the default per-call deadline for sub-agents (default 30s).
func ExecutorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// ExecutorAgentTimeout overrides the per-call deadline for one agent.
func ExecutorAgentTimeout(agent string, d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeouts[agent] = d }
}

// ExecutorLogger sets a structured logger for step execution.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// executorSleep replaces the back-off sleep. Test hook.
func executorSleep(fn func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor creates an Executor. lessons may be nil when lesson memory is
// disabled. ShellTool defaults to a 5s deadline; other agents to 30s.
func NewExecutor(provider Provider, lessons LessonStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider: provider,
		lessons:  lessons,
		attempts: 3,
		timeout:  defaultAgentTimeout,
		timeouts: map[string]time.Duration{"ShellTool": defaultShellTimeout},
		sleep:    time.Sleep,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RunStep executes one plan step against the current RunContext and returns
// the trace plus the final output (the last attempt's output when all
// attempts failed). goalVec may be nil when goal embedding failed; lesson
// retrieval and writes are skipped in that case.
func (e *Executor) RunStep(ctx context.Context, a SubAgent, sessionID, goal string, goalVec []float32, step PlanStep, runCtx *RunContext) (StepTrace, map[string]any) {
	trace := StepTrace{Agent: a.Name()}
	var finalOut map[string]any
	var prior map[string]any

	for attempt := 1; attempt <= e.attempts; attempt++ {
		payload := cloneParams(step.Input)
		if !a.Ready(payload) {
			payload = e.completeParams(ctx, a, goal, goalVec, payload, prior, runCtx)
		}

		execPayload := cloneParams(payload)
		execPayload[ContextKey] = runCtx.View()

		stepCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(a))
		start := time.Now()
		out := Guard(stepCtx, a, sessionID, execPayload)
		cancel()
		elapsed := time.Since(start).Seconds()

		success := Adjudicate(a, out)
		trace.Attempts = append(trace.Attempts, StepAttempt{
			Attempt: attempt,
			Input:   payload,
			Success: success,
			Elapsed: elapsed,
			Preview: outputPreview(out),
		})
		finalOut = out

		if success {
			trace.FinalSuccess = true
			e.recordLesson(ctx, Lesson{
				Trigger:       goalVec,
				GoalText:      goal,
				Agent:         a.Name(),
				Status:        LessonSuccess,
				WorkingParams: payload,
			})
			e.logger.Info("step succeeded", "agent", a.Name(), "attempt", attempt)
			break
		}

		e.logger.Warn("step attempt failed",
			"agent", a.Name(), "attempt", attempt, "error", errorSnippet(out))
		prior = map[string]any{"input": payload, "output": out}

		if ctx.Err() != nil {
			break
		}
		if attempt < e.attempts {
			e.sleep(attemptBackoff(attempt))
		}
	}

	if !trace.FinalSuccess {
		e.recordLesson(ctx, Lesson{
			Trigger:       goalVec,
			GoalText:      goal,
			Agent:         a.Name(),
			Status:        LessonFail,
			ErrorSnippet:  errorSnippet(finalOut),
			WorkingParams: nil,
		})
	}
	return trace, finalOut
}

// attemptBackoff is the linear-capped back-off between failed attempts:
// min(2s, 0.5s × attempt).
func attemptBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (e *Executor) timeoutFor(a SubAgent) time.Duration {
	if d, ok := e.timeouts[a.Name()]; ok {
		return d
	}
	return e.timeout
}

// completeParams fills in missing required fields via the parameter proposer:
// a strict-JSON completion seeded with agent-specific lessons. On proposer
// failure the agent's deterministic fallback is used. Keys already present in
// base are never overwritten; missing keys come from the first success
// snippet first, with proposer output taking precedence on overlap.
func (e *Executor) completeParams(ctx context.Context, a SubAgent, goal string, goalVec []float32, base, prior map[string]any, runCtx *RunContext) map[string]any {
	successParams, avoidPatterns := e.lessonHints(ctx, a.Name(), goalVec)

	out := cloneParams(base)
	if len(successParams) > 0 {
		for k, v := range successParams[0] {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}

	proposal, err := e.propose(ctx, a, goal, prior, runCtx, successParams, avoidPatterns)
	if err != nil {
		e.logger.Warn("parameter proposer failed, using fallback", "agent", a.Name(), "error", err)
		for k, v := range a.Fallback(goal, lastKeys(runCtx, 3)) {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range proposal {
		if _, explicit := base[k]; !explicit {
			out[k] = v
		}
	}
	return out
}

// propose asks the provider for a parameter object.
func (e *Executor) propose(ctx context.Context, a SubAgent, goal string, prior map[string]any, runCtx *RunContext, successParams []map[string]any, avoidPatterns []string) (map[string]any, error) {
	req := map[string]any{
		"agent":        a.Name(),
		"goal":         goal,
		"schema_hint":  a.Hint(),
		"context_keys": lastKeys(runCtx, 8),
	}
	if prior != nil {
		req["last_attempt"] = prior
	}
	if len(successParams) > 0 {
		req["success_params"] = successParams
	}
	if len(avoidPatterns) > 0 {
		req["avoid_patterns"] = avoidPatterns
	}
	body, err := marshalNoEscape(req)
	if err != nil {
		return nil, err
	}
	return CompletionJSON(ctx, e.provider, proposerSystemPrompt, string(body))
}

// lessonHints retrieves the top agent-specific lessons for the goal: up to 3
// working parameter sets from success lessons and up to 3 fix summaries from
// failure lessons. Missing store or embedding yields empty hints.
func (e *Executor) lessonHints(ctx context.Context, agent string, goalVec []float32) (successParams []map[string]any, avoidPatterns []string) {
	if e.lessons == nil || len(goalVec) == 0 {
		return nil, nil
	}
	lessons, err := e.lessons.TopKSimilar(ctx, goalVec, agent, 5)
	if err != nil {
		e.logger.Warn("lesson retrieval failed", "agent", agent, "error", err)
		return nil, nil
	}
	for _, l := range lessons {
		switch l.Status {
		case LessonSuccess:
			if len(successParams) < 3 && len(l.WorkingParams) > 0 {
				successParams = append(successParams, l.WorkingParams)
			}
		case LessonFail:
			if len(avoidPatterns) < 3 && l.FixSummary != "" {
				avoidPatterns = append(avoidPatterns, l.FixSummary)
			}
		}
	}
	return successParams, avoidPatterns
}

// recordLesson persists a lesson, best-effort. Skipped when lesson memory is
// disabled or the goal embedding is absent.
func (e *Executor) recordLesson(ctx context.Context, l Lesson) {
	if e.lessons == nil || len(l.Trigger) == 0 {
		return
	}
	bestEffort(e.logger, "lesson insert", func() error {
		return e.lessons.Insert(ctx, l)
	})
}

// --- helpers ---

// cloneParams shallow-copies a payload, dropping the reserved context key.
func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == ContextKey {
			continue
		}
		out[k] = v
	}
	return out
}

// lastKeys returns the n most recent RunContext keys, oldest first.
func lastKeys(runCtx *RunContext, n int) []string {
	keys := runCtx.Keys()
	if len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	return keys
}

// outputPreview serializes an output, truncated to previewLimit characters.
func outputPreview(out map[string]any) string {
	b, err := marshalNoEscape(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	s := string(b)
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if len(s) > previewLimit {
		return s[:previewLimit] + "... (truncated)"
	}
	return s
}

// errorSnippet extracts the error text from an output, if any.
func errorSnippet(out map[string]any) string {
	if out == nil {
		return "no output"
	}
	if v, ok := out["error"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
