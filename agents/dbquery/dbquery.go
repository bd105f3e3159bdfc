package dbquery

import (
	"context"
	"fmt"
	"log"
	"strings"

	strata "github.com/nevindra/strata"
)

const maxRows = 100

const sqlSystemPrompt = `You translate a natural-language question into a single SQL SELECT statement.
Use only the tables described in the schema. Never write statements that modify data.
Return strict JSON: {"sql":"SELECT ..."}`

// forbidden are statement keywords that must not appear anywhere in a query.
// The translator only ever produces SELECTs, but the query may also arrive
// verbatim in the payload.
var forbidden = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "replace", "grant", "revoke", "attach", "detach",
	"vacuum", "pragma",
}

// Agent answers questions against a SQL database. Natural-language questions
// are translated to SQL first; read-only enforcement applies either way.
type Agent struct {
	provider strata.Provider
	runner   strata.SQLRunner
	schema   string
}

// New creates a DatabaseQuery agent. schema is a free-text description of the
// queryable tables, given to the translator verbatim.
func New(provider strata.Provider, runner strata.SQLRunner, schema string) *Agent {
	return &Agent{provider: provider, runner: runner, schema: schema}
}

var _ strata.SubAgent = (*Agent)(nil)

func (a *Agent) Name() string { return "DatabaseQuery" }

func (a *Agent) Hint() string {
	return `{"request": "<natural-language question>", "schema_hint": "<table description, optional>"} or {"sql": "SELECT ..."}`
}

// Ready accepts a request (aliases "query", "question") or a ready SQL string.
func (a *Agent) Ready(payload map[string]any) bool {
	return requestOf(payload) != "" || sqlOf(payload) != ""
}

func (a *Agent) Fallback(goal string, _ []string) map[string]any {
	return map[string]any{"request": goal}
}

func (a *Agent) Execute(ctx context.Context, _ string, payload map[string]any) map[string]any {
	query := sqlOf(payload)
	if query == "" {
		request := requestOf(payload)
		if request == "" {
			return map[string]any{"error": "request or sql is required"}
		}
		schema := a.schema
		if hint, ok := payload["schema_hint"].(string); ok && strings.TrimSpace(hint) != "" {
			schema = strings.TrimSpace(hint)
		}
		translated, err := a.translate(ctx, request, schema)
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("sql translation failed: %v", err)}
		}
		query = translated
	}

	if err := ValidateSelect(query); err != nil {
		return map[string]any{"error": err.Error(), "sql": query}
	}

	headers, rows, err := a.runner.RunSelect(ctx, query)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("query failed: %v", err), "sql": query}
	}
	truncated := false
	if len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}
	log.Printf(" [dbquery] %d rows for %q", len(rows), query)
	return map[string]any{
		"sql":       query,
		"headers":   headers,
		"rows":      rows,
		"row_count": len(rows),
		"truncated": truncated,
	}
}

// Succeeded requires the query to have run; zero rows is still success.
func (a *Agent) Succeeded(output map[string]any) bool {
	_, hasHeaders := output["headers"]
	_, hasRows := output["rows"]
	return hasHeaders || hasRows
}

// translate asks the provider for a SELECT answering the request.
func (a *Agent) translate(ctx context.Context, request, schema string) (string, error) {
	user := fmt.Sprintf("Schema:\n%s\n\nQuestion: %s", schema, request)
	obj, err := strata.CompletionJSON(ctx, a.provider, sqlSystemPrompt, user)
	if err != nil {
		return "", err
	}
	query, _ := obj["sql"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("translator returned no sql")
	}
	return strings.TrimSpace(query), nil
}

// ValidateSelect enforces the read-only contract: exactly one statement,
// starting with SELECT, containing no data-modifying keywords.
func ValidateSelect(query string) error {
	q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if q == "" {
		return fmt.Errorf("empty query")
	}
	if strings.Contains(q, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	lower := strings.ToLower(q)
	if !strings.HasPrefix(lower, "select") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	for _, kw := range forbidden {
		for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ')' || r == ','
		}) {
			if tok == kw {
				return fmt.Errorf("forbidden keyword %q in query", kw)
			}
		}
	}
	return nil
}

func requestOf(payload map[string]any) string {
	for _, key := range []string{"request", "query", "question"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func sqlOf(payload map[string]any) string {
	if s, ok := payload["sql"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
