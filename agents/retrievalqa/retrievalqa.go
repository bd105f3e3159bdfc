package retrievalqa

import (
	"context"
	"fmt"
	"strings"

	strata "github.com/nevindra/strata"
)

// Agent answers questions from indexed knowledge through the RAG
// collaborator. It is the default first step of fallback plans.
type Agent struct {
	rag strata.Collaborator
}

// New creates a RetrievalQA agent over the given collaborator.
func New(rag strata.Collaborator) *Agent {
	return &Agent{rag: rag}
}

var _ strata.SubAgent = (*Agent)(nil)

func (a *Agent) Name() string { return "RetrievalQA" }

func (a *Agent) Hint() string {
	return `{"query": "<question to answer from indexed knowledge>"}`
}

// Ready accepts "query" or its alias "question".
func (a *Agent) Ready(payload map[string]any) bool {
	return queryOf(payload) != ""
}

func (a *Agent) Fallback(goal string, _ []string) map[string]any {
	return map[string]any{"query": goal}
}

func (a *Agent) Execute(ctx context.Context, sessionID string, payload map[string]any) map[string]any {
	query := queryOf(payload)
	if query == "" {
		return map[string]any{"error": "query is required"}
	}
	answer, err := a.rag.Answer(ctx, sessionID, query)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("retrieval answer failed: %v", err), "query": query}
	}
	return map[string]any{"answer": answer, "query": query}
}

// Succeeded requires a non-empty answer.
func (a *Agent) Succeeded(output map[string]any) bool {
	answer, _ := output["answer"].(string)
	return strings.TrimSpace(answer) != ""
}

func queryOf(payload map[string]any) string {
	for _, key := range []string{"query", "question"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
