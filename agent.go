package strata

import (
	"context"
	"fmt"
)

// ContextKey is the reserved payload key under which the executor injects a
// read-only view of the RunContext. Sub-agents may ignore it, but must
// preserve it through to execution.
const ContextKey = "context"

// SubAgent is a bounded capability executed as one plan step. Implementations
// must be total on malformed input (return a map with an "error" entry
// instead of failing), idempotent with respect to external side effects, and
// must complete or time out within their bounded wall-time.
type SubAgent interface {
	// Name returns the registry name, e.g. "RetrievalQA".
	Name() string
	// Hint describes the input schema for the parameter proposer.
	Hint() string
	// Ready reports whether payload carries all required fields (aliases count).
	Ready(payload map[string]any) bool
	// Fallback returns a deterministic payload for when the proposer fails.
	// recentKeys are the most recent RunContext keys, oldest first.
	Fallback(goal string, recentKeys []string) map[string]any
	// Execute runs the agent. It never panics through this call and never
	// returns nil; failures are reported as {"error": ...}.
	Execute(ctx context.Context, sessionID string, payload map[string]any) map[string]any
	// Succeeded is the agent-specific success predicate, evaluated only after
	// the generic no-error check passed.
	Succeeded(output map[string]any) bool
}

// Registry is a fixed mapping from agent name to implementation, populated at
// process start.
type Registry struct {
	order  []string
	agents map[string]SubAgent
}

// NewRegistry builds a registry from the given agents. Duplicate names panic:
// the registry is assembled once at startup from compile-time known agents.
func NewRegistry(agents ...SubAgent) *Registry {
	r := &Registry{agents: make(map[string]SubAgent, len(agents))}
	for _, a := range agents {
		if _, dup := r.agents[a.Name()]; dup {
			panic("strata: duplicate agent name " + a.Name())
		}
		r.agents[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (SubAgent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Names returns registered agent names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Guard invokes an agent and converts residual panics and deadline expiry
// into {"error": ...} outputs, so no sub-agent failure escapes as an
// exception. A nil output is also treated as a failure.
func Guard(ctx context.Context, a SubAgent, sessionID string, payload map[string]any) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]any{"error": fmt.Sprintf("agent panic: %v", r)}
		}
	}()
	out = a.Execute(ctx, sessionID, payload)
	if out == nil {
		out = map[string]any{"error": "agent returned no output"}
	}
	if ctx.Err() == context.DeadlineExceeded && hasError(out) {
		out["error"] = "timeout"
	}
	return out
}

// hasError reports whether out carries a non-empty "error" entry.
func hasError(out map[string]any) bool {
	v, ok := out["error"]
	if !ok {
		return false
	}
	s, isStr := v.(string)
	return !isStr || s != ""
}

// Adjudicate applies the step success rule: the output must be a non-nil map
// with no non-empty "error" entry and must satisfy the agent's predicate.
func Adjudicate(a SubAgent, out map[string]any) bool {
	if out == nil || hasError(out) {
		return false
	}
	return a.Succeeded(out)
}
