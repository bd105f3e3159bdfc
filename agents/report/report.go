package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	strata "github.com/nevindra/strata"
)

const reportSystemPrompt = `You write the final report for a multi-step research task.
Synthesize the accumulated step outputs into a coherent answer to the goal.
Cite concrete findings; do not invent facts that are not in the context.`

// Agent synthesizes the accumulated run context into a final report. When the
// model is unreachable it degrades to a deterministic bullet digest so the run
// still produces an answer.
type Agent struct {
	provider strata.Provider
}

// New creates a ReportSynthesis agent.
func New(provider strata.Provider) *Agent {
	return &Agent{provider: provider}
}

var _ strata.SubAgent = (*Agent)(nil)

func (a *Agent) Name() string { return "ReportSynthesis" }

func (a *Agent) Hint() string {
	return `{"goal": "<what the report should answer>", "style": "<optional tone or format instructions>"}`
}

// Ready is always true: the report is built from the injected context.
func (a *Agent) Ready(map[string]any) bool { return true }

func (a *Agent) Fallback(goal string, _ []string) map[string]any {
	return map[string]any{"goal": goal}
}

func (a *Agent) Execute(ctx context.Context, _ string, payload map[string]any) map[string]any {
	goal, _ := payload["goal"].(string)
	style, _ := payload["style"].(string)
	view, _ := payload[strata.ContextKey].(map[string]any)

	contextJSON, err := contextAsJSON(view)
	if err != nil {
		return map[string]any{"error": "context serialization failed: " + err.Error()}
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n", goal)
	if style != "" {
		fmt.Fprintf(&user, "Style: %s\n", style)
	}
	fmt.Fprintf(&user, "Step outputs:\n%s\nWrite the report now.", contextJSON)

	resp, err := a.provider.Chat(ctx, strata.ChatRequest{Messages: []strata.ChatMessage{
		strata.SystemMessage(reportSystemPrompt),
		strata.UserMessage(user.String()),
	}})
	if err != nil {
		log.Printf(" [report] synthesis failed, using digest: %v", err)
		return map[string]any{
			"report": digest(goal, view),
			"note":   "synthesized without model: " + err.Error(),
		}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return map[string]any{
			"report": digest(goal, view),
			"note":   "synthesized without model: empty completion",
		}
	}
	return map[string]any{"report": text}
}

// Succeeded requires a non-empty report. The digest path counts: a degraded
// report is still a report.
func (a *Agent) Succeeded(output map[string]any) bool {
	report, _ := output["report"].(string)
	return strings.TrimSpace(report) != ""
}

// digest flattens the context into bullets, one per step, in key order.
func digest(goal string, view map[string]any) string {
	var b strings.Builder
	if goal != "" {
		fmt.Fprintf(&b, "Report for: %s\n\n", goal)
	}
	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, summarize(view[k]))
	}
	if len(keys) == 0 {
		b.WriteString("No step outputs were produced.\n")
	}
	return b.String()
}

// summarize renders one step output as a single line.
func summarize(v any) string {
	out, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	for _, key := range []string{"answer", "report", "error"} {
		if s, ok := out[key].(string); ok && s != "" {
			return oneLine(s)
		}
	}
	b, err := contextAsJSON(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return oneLine(b)
}

// contextAsJSON marshals v without HTML escaping, 2-space indented.
func contextAsJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
