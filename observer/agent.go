package observer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	strata "github.com/nevindra/strata"
)

// ObservedAgent wraps a strata.SubAgent, tracing every execution. The
// pass-through methods delegate unchanged so adjudication behaves exactly as
// with the bare agent.
type ObservedAgent struct {
	inner strata.SubAgent
	inst  *Instruments
}

var _ strata.SubAgent = (*ObservedAgent)(nil)

// WrapAgent returns an instrumented sub-agent.
func WrapAgent(inner strata.SubAgent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

// WrapRegistry instruments every agent and returns a new registry.
func WrapRegistry(reg *strata.Registry, inst *Instruments) *strata.Registry {
	var wrapped []strata.SubAgent
	for _, name := range reg.Names() {
		a, _ := reg.Get(name)
		wrapped = append(wrapped, WrapAgent(a, inst))
	}
	return strata.NewRegistry(wrapped...)
}

func (o *ObservedAgent) Name() string { return o.inner.Name() }
func (o *ObservedAgent) Hint() string { return o.inner.Hint() }

func (o *ObservedAgent) Ready(payload map[string]any) bool { return o.inner.Ready(payload) }

func (o *ObservedAgent) Fallback(goal string, recentKeys []string) map[string]any {
	return o.inner.Fallback(goal, recentKeys)
}

func (o *ObservedAgent) Succeeded(output map[string]any) bool { return o.inner.Succeeded(output) }

func (o *ObservedAgent) Execute(ctx context.Context, sessionID string, payload map[string]any) map[string]any {
	ctx, span := o.inst.Tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		AttrAgentSession.String(sessionID),
	))
	defer span.End()
	start := time.Now()

	out := o.inner.Execute(ctx, sessionID, payload)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if out == nil {
		status = "error"
	} else if v, present := out["error"]; present {
		if s, isStr := v.(string); !isStr || s != "" {
			status = "error"
			span.SetStatus(codes.Error, fmt.Sprintf("%v", v))
		}
	}
	span.SetAttributes(AttrAgentStatus.String(status))

	o.inst.AgentExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
	))

	return out
}
