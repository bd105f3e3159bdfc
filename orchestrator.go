package strata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Deps are the injected collaborators of an Orchestrator. Procedural and
// Lessons may be nil to disable the corresponding memory tier; RAG must be
// set.
type Deps struct {
	Provider   Provider
	Embedding  EmbeddingProvider
	Registry   *Registry
	Procedural ProceduralStore
	Lessons    LessonStore
	RAG        Collaborator
}

// Orchestrator runs the plan-execute-learn loop for one goal at a time.
// A single instance is safe for concurrent HandleRequest calls; all per-run
// state lives on the stack and in the run directory.
type Orchestrator struct {
	deps     Deps
	planner  *Planner
	executor *Executor
	gate     *ReuseGate // nil when workflow memory is disabled
	learner  *Learner
	runsBase string
	deadline time.Duration
	workflow bool
	logger   *slog.Logger
}

type orchestratorConfig struct {
	runsBase        string
	deadline        time.Duration
	plannerAttempts int
	reuseTopK       int
	reuseThreshold  float32
	agentTimeout    time.Duration
	shellTimeout    time.Duration
	workflow        bool
	sleep           func(time.Duration)
	logger          *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*orchestratorConfig)

// WithRunsBaseDir sets the artifact base directory (default "runs").
func WithRunsBaseDir(dir string) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if dir != "" {
			c.runsBase = dir
		}
	}
}

// WithTaskDeadline sets the overall per-run deadline (default 600s).
func WithTaskDeadline(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithWorkflowMemory enables procedural workflow reuse and learning
// (default off; lessons are independent of this switch).
func WithWorkflowMemory(on bool) OrchestratorOption {
	return func(c *orchestratorConfig) { c.workflow = on }
}

// WithPlannerAttempts sets the planner's strict-JSON retry count (default 3).
// The executor's per-step attempt count follows it, floored at 2.
func WithPlannerAttempts(n int) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if n > 0 {
			c.plannerAttempts = n
		}
	}
}

// WithReuseThreshold sets the minimum cosine similarity to reuse a stored
// workflow (default 0.90).
func WithReuseThreshold(t float32) OrchestratorOption {
	return func(c *orchestratorConfig) { c.reuseThreshold = t }
}

// WithReuseTopK sets the nearest-workflow lookup size (default 5).
func WithReuseTopK(k int) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if k > 0 {
			c.reuseTopK = k
		}
	}
}

// WithAgentTimeout sets the default per-step sub-agent deadline (default 30s).
func WithAgentTimeout(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if d > 0 {
			c.agentTimeout = d
		}
	}
}

// WithShellTimeout sets the ShellTool per-step deadline (default 5s).
func WithShellTimeout(d time.Duration) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if d > 0 {
			c.shellTimeout = d
		}
	}
}

// WithLogger sets a structured logger for the whole pipeline.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(c *orchestratorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// withSleep replaces the executor's back-off sleep. Test hook.
func withSleep(fn func(time.Duration)) OrchestratorOption {
	return func(c *orchestratorConfig) { c.sleep = fn }
}

// NewOrchestrator wires the planner, executor, reuse gate and learner over
// the given dependencies.
func NewOrchestrator(deps Deps, opts ...OrchestratorOption) *Orchestrator {
	cfg := orchestratorConfig{
		runsBase:        "runs",
		deadline:        600 * time.Second,
		plannerAttempts: 3,
		reuseTopK:       5,
		reuseThreshold:  0.90,
		agentTimeout:    defaultAgentTimeout,
		shellTimeout:    defaultShellTimeout,
		sleep:           time.Sleep,
		logger:          nopLogger,
	}
	for _, o := range opts {
		o(&cfg)
	}

	o := &Orchestrator{
		deps: deps,
		planner: NewPlanner(deps.Provider, deps.Registry,
			PlannerMaxAttempts(cfg.plannerAttempts),
			PlannerLogger(cfg.logger)),
		executor: NewExecutor(deps.Provider, deps.Lessons,
			ExecutorMaxAttempts(cfg.plannerAttempts),
			ExecutorTimeout(cfg.agentTimeout),
			ExecutorAgentTimeout("ShellTool", cfg.shellTimeout),
			executorSleep(cfg.sleep),
			ExecutorLogger(cfg.logger)),
		learner: NewLearner(deps.Provider, deps.Procedural, deps.Lessons,
			LearnerLogger(cfg.logger)),
		runsBase: cfg.runsBase,
		deadline: cfg.deadline,
		workflow: cfg.workflow && deps.Procedural != nil,
		logger:   cfg.logger,
	}
	if o.workflow {
		o.gate = NewReuseGate(deps.Embedding, deps.Procedural, deps.Registry,
			ReuseTopK(cfg.reuseTopK),
			ReuseThreshold(cfg.reuseThreshold),
			ReuseLogger(cfg.logger))
	}
	return o
}

// HandleRequest runs one goal end to end and returns the serialized run
// context. When the overall deadline expires mid-run, the partial result is
// persisted and returned together with ErrDeadline.
func (o *Orchestrator) HandleRequest(ctx context.Context, sessionID, goal string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	dir, err := NewRunDir(o.runsBase, sessionID)
	if err != nil {
		return "", err
	}
	o.logger.Info("run started", "session_id", sessionID, "run_dir", dir.Path())
	bestEffort(o.logger, "write input.json", func() error {
		return dir.WriteJSON("input.json", map[string]any{
			"session_id": sessionID,
			"goal":       goal,
			"started_at": NowUnix(),
		})
	})

	goalVec := o.embedGoal(ctx, goal)
	o.writePreLessons(ctx, dir, goalVec)

	plan, reusedID := o.resolvePlan(ctx, goal, goalVec)
	if len(plan) == 0 {
		return o.answerDirect(ctx, dir, sessionID, goal)
	}
	bestEffort(o.logger, "write plan.json", func() error {
		return dir.WriteJSON("plan.json", map[string]any{
			"reused_workflow_id": reusedID,
			"steps":              plan,
		})
	})

	runCtx := NewRunContext()
	var traces []StepTrace
	deadlineHit := ctx.Err() != nil
	for i, step := range plan {
		if deadlineHit {
			break
		}
		a, ok := o.deps.Registry.Get(step.Agent)
		if !ok {
			continue
		}
		trace, out := o.executor.RunStep(ctx, a, sessionID, goal, goalVec, step, runCtx)
		key := fmt.Sprintf("step_%d_%s", i+1, step.Agent)
		if err := runCtx.Append(key, out); err != nil {
			o.logger.Warn("context append failed", "key", key, "error", err)
		}
		traces = append(traces, trace)
		bestEffort(o.logger, "write step trace", func() error {
			return dir.WriteJSON(key+".json", trace)
		})
		deadlineHit = ctx.Err() != nil
	}

	result := serializeContext(runCtx)
	report := finalReport(runCtx)
	if deadlineHit {
		report = "(partial: deadline exceeded)\n" + report
	}
	bestEffort(o.logger, "write context.json", func() error {
		return dir.WriteJSON("context.json", runCtx)
	})
	bestEffort(o.logger, "write report.txt", func() error {
		return dir.WriteText("report.txt", report)
	})

	if deadlineHit {
		o.logger.Warn("run hit deadline", "session_id", sessionID, "steps_done", runCtx.Len())
		return result, ErrDeadline
	}

	o.afterRun(ctx, dir, goal, goalVec, plan, runCtx, traces, reusedID)
	o.logger.Info("run finished", "session_id", sessionID, "steps", runCtx.Len())
	return result, nil
}

// embedGoal embeds the goal text. Failure is soft: workflow reuse and lesson
// memory are skipped for this run.
func (o *Orchestrator) embedGoal(ctx context.Context, goal string) []float32 {
	if o.deps.Embedding == nil {
		return nil
	}
	vecs, err := o.deps.Embedding.Embed(ctx, []string{goal})
	if err != nil || len(vecs) == 0 {
		o.logger.Warn("goal embedding failed, memory disabled for run", "error", err)
		return nil
	}
	return vecs[0]
}

// writePreLessons records the most relevant prior lessons for the goal, across
// all agents, before execution starts.
func (o *Orchestrator) writePreLessons(ctx context.Context, dir *RunDir, goalVec []float32) {
	if o.deps.Lessons == nil || len(goalVec) == 0 {
		return
	}
	bestEffort(o.logger, "write pre_lessons.json", func() error {
		lessons, err := o.deps.Lessons.TopKSimilar(ctx, goalVec, "", 5)
		if err != nil {
			return err
		}
		return dir.WriteJSON("pre_lessons.json", lessons)
	})
}

// resolvePlan consults the reuse gate first, then plans from scratch. Steps
// naming unregistered agents are dropped either way.
func (o *Orchestrator) resolvePlan(ctx context.Context, goal string, goalVec []float32) (Plan, string) {
	if o.gate != nil {
		if id, plan, ok := o.gate.Lookup(ctx, goalVec); ok {
			return plan, id
		}
	}
	var plan Plan
	for _, step := range o.planner.Plan(ctx, goal) {
		if o.deps.Registry.Has(step.Agent) {
			plan = append(plan, step)
		}
	}
	return plan, ""
}

// answerDirect is the degenerate path when no executable plan exists: answer
// the goal through the Collaborator and persist that as the result.
func (o *Orchestrator) answerDirect(ctx context.Context, dir *RunDir, sessionID, goal string) (string, error) {
	o.logger.Warn("no executable plan, answering directly", "session_id", sessionID)
	answer, err := o.deps.RAG.Answer(ctx, sessionID, goal)
	artifact := map[string]any{"answer": answer}
	if err != nil {
		artifact["error"] = err.Error()
	}
	bestEffort(o.logger, "write result.json", func() error {
		return dir.WriteJSON("result.json", artifact)
	})
	if err != nil {
		return "", fmt.Errorf("direct answer: %w", err)
	}
	return answer, nil
}

// afterRun performs the post-run memory writes: bump usage for reused
// workflows, learn fresh ones from fully successful runs, then reflect.
// Everything here is best-effort.
func (o *Orchestrator) afterRun(ctx context.Context, dir *RunDir, goal string, goalVec []float32, plan Plan, runCtx *RunContext, traces []StepTrace, reusedID string) {
	switch {
	case reusedID != "":
		bestEffort(o.logger, "bump workflow usage", func() error {
			if err := o.deps.Procedural.BumpUsage(ctx, reusedID, 1); err != nil {
				return err
			}
			return dir.WriteJSON("reused.json", map[string]any{"workflow_id": reusedID})
		})
	case o.workflow && allSucceeded(traces):
		bestEffort(o.logger, "learn workflow", func() error {
			wf, err := o.learner.Learn(ctx, goal, goalVec, plan, runCtx)
			if err != nil {
				return err
			}
			return dir.WriteJSON("learned.json", wf)
		})
	}

	bestEffort(o.logger, "reflection", func() error {
		reflection, err := o.learner.Reflect(ctx, goal, goalVec, traces)
		if err != nil {
			return err
		}
		return dir.WriteJSON("reflection.json", reflection)
	})
}

func allSucceeded(traces []StepTrace) bool {
	if len(traces) == 0 {
		return false
	}
	for _, t := range traces {
		if !t.FinalSuccess {
			return false
		}
	}
	return true
}

// serializeContext renders the run context as the caller-facing result string.
func serializeContext(runCtx *RunContext) string {
	b, err := runCtx.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(b)
}

// finalReport renders the run context for report.txt: the same serialization
// as the result string, pretty-printed with 2-space indentation.
func finalReport(runCtx *RunContext) string {
	b, err := runCtx.MarshalJSON()
	if err != nil {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return string(b)
	}
	return buf.String()
}
