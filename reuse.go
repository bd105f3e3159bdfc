package strata

import (
	"context"
	"log/slog"
)

// ReuseGate looks up stored workflows whose trigger embedding is close enough
// to the incoming goal that planning can be skipped. Embedding and store
// errors are soft failures: the caller falls back to planning.
type ReuseGate struct {
	embedding EmbeddingProvider
	store     ProceduralStore
	registry  *Registry
	topK      int
	threshold float32
	logger    *slog.Logger
}

// ReuseOption configures a ReuseGate.
type ReuseOption func(*ReuseGate)

// ReuseTopK sets the nearest-workflow lookup size (default 5).
func ReuseTopK(k int) ReuseOption {
	return func(g *ReuseGate) {
		if k > 0 {
			g.topK = k
		}
	}
}

// ReuseThreshold sets the minimum cosine similarity to reuse (default 0.90).
func ReuseThreshold(t float32) ReuseOption {
	return func(g *ReuseGate) { g.threshold = t }
}

// ReuseLogger sets a structured logger for reuse decisions.
func ReuseLogger(l *slog.Logger) ReuseOption {
	return func(g *ReuseGate) { g.logger = l }
}

// NewReuseGate creates a ReuseGate.
func NewReuseGate(embedding EmbeddingProvider, store ProceduralStore, registry *Registry, opts ...ReuseOption) *ReuseGate {
	g := &ReuseGate{
		embedding: embedding,
		store:     store,
		registry:  registry,
		topK:      5,
		threshold: 0.90,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Lookup returns the best stored plan for the goal, if any workflow scores at
// or above the threshold. goalVec may be nil when embedding the goal failed
// earlier; that and any store error yield no reuse. Steps whose agent is no
// longer registered are dropped; an empty surviving plan yields no reuse.
func (g *ReuseGate) Lookup(ctx context.Context, goalVec []float32) (workflowID string, plan Plan, ok bool) {
	if len(goalVec) == 0 {
		return "", nil, false
	}

	recs, err := g.store.TopKSimilar(ctx, goalVec, g.topK)
	if err != nil {
		g.logger.Warn("reuse: workflow lookup failed", "error", err)
		return "", nil, false
	}
	if len(recs) == 0 {
		return "", nil, false
	}

	best := recs[0]
	if best.Score < g.threshold {
		g.logger.Debug("reuse: best workflow below threshold",
			"workflow_id", best.WorkflowID, "score", best.Score, "threshold", g.threshold)
		return "", nil, false
	}

	var surviving Plan
	for _, step := range best.Plan {
		if step.Agent == "" || !g.registry.Has(step.Agent) {
			g.logger.Warn("reuse: dropping step with unknown agent",
				"workflow_id", best.WorkflowID, "agent", step.Agent)
			continue
		}
		if step.Input == nil {
			step.Input = map[string]any{}
		}
		surviving = append(surviving, step)
	}
	if len(surviving) == 0 {
		return "", nil, false
	}

	g.logger.Info("reuse: plan reused",
		"workflow_id", best.WorkflowID, "score", best.Score, "steps", len(surviving))
	return best.WorkflowID, surviving, true
}
