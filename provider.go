package strata

import (
	"context"
	"encoding/json"
	"strings"
)

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "jina").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// CompletionJSON sends a system+user prompt and requires the response to be a
// single JSON object. A surrounding markdown code fence is tolerated; any
// other prose around the object makes the completion malformed.
func CompletionJSON(ctx context.Context, p Provider, system, user string) (map[string]any, error) {
	resp, err := p.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(system),
		UserMessage(user),
	}})
	if err != nil {
		return nil, err
	}
	obj, err := DecodeStrictJSON(resp.Content)
	if err != nil {
		return nil, &ErrLLM{Provider: p.Name(), Message: err.Error()}
	}
	return obj, nil
}

// DecodeStrictJSON parses s as exactly one JSON object. The input is trimmed
// and a single ```/```json fence is stripped; everything that remains must
// decode as one object with no trailing content.
func DecodeStrictJSON(s string) (map[string]any, error) {
	content := stripFence(strings.TrimSpace(s))
	dec := json.NewDecoder(strings.NewReader(content))
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &ErrMalformedJSON{Raw: s, Reason: err.Error()}
	}
	// Reject trailing content after the object.
	if dec.More() {
		return nil, &ErrMalformedJSON{Raw: s, Reason: "trailing content after JSON object"}
	}
	return obj, nil
}

// stripFence removes one surrounding markdown code fence, if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
