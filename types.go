package strata

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// --- Plan types ---

// PlanStep pairs a sub-agent name with its initial input template.
// The template may be empty; missing required fields are completed at
// execution time by the parameter proposer.
type PlanStep struct {
	Agent string         `json:"agent"`
	Input map[string]any `json:"input"`
}

// Plan is an ordered sequence of steps, typically 3-6.
type Plan []PlanStep

// --- Step traces ---

// StepAttempt records one execution attempt of a step. Input excludes the
// transient "context" field; Preview is truncated to previewLimit characters.
type StepAttempt struct {
	Attempt int            `json:"attempt"`
	Input   map[string]any `json:"input"`
	Success bool           `json:"success"`
	Elapsed float64        `json:"elapsed_seconds"`
	Preview string         `json:"output_preview"`
}

// StepTrace is the persisted per-step record: all attempts plus the final verdict.
type StepTrace struct {
	Agent        string        `json:"agent"`
	Attempts     []StepAttempt `json:"attempts"`
	FinalSuccess bool          `json:"final_success"`
}

// --- Run context ---

// RunContext accumulates per-step outputs in plan order. Keys follow the
// "step_<i>_<agent>" convention and are never overwritten. Later steps see
// earlier outputs through a read-only view injected under the reserved
// "context" payload key.
type RunContext struct {
	keys   []string
	values map[string]map[string]any
}

// NewRunContext creates an empty RunContext.
func NewRunContext() *RunContext {
	return &RunContext{values: make(map[string]map[string]any)}
}

// Append adds a step output under key. Returns an error if the key already
// exists; step keys are write-once.
func (c *RunContext) Append(key string, out map[string]any) error {
	if _, exists := c.values[key]; exists {
		return fmt.Errorf("run context: duplicate key %q", key)
	}
	c.keys = append(c.keys, key)
	c.values[key] = out
	return nil
}

// Keys returns the step keys in insertion order.
func (c *RunContext) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Get returns the output stored under key.
func (c *RunContext) Get(key string) (map[string]any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Len returns the number of stored step outputs.
func (c *RunContext) Len() int { return len(c.keys) }

// View returns a shallow copy of the accumulated outputs for injection into
// sub-agent payloads. Mutating the returned map does not affect the context.
func (c *RunContext) View() map[string]any {
	view := make(map[string]any, len(c.keys))
	for _, k := range c.keys {
		view[k] = c.values[k]
	}
	return view
}

// MarshalJSON serializes the context as a JSON object with keys in insertion
// order. Non-ASCII characters are preserved.
func (c *RunContext) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalNoEscape(c.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(bytes.TrimRight(vb, "\n"))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoEscape marshals v without HTML escaping, matching the artifact format.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

// --- Collaborator-owned records ---

// Chunk is a retrievable slice of an ingested document.
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	CreatedAt int64     `json:"created_at"`
}

// ScoredChunk is a Chunk with its cosine similarity to a query.
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// ConversationRound is one side of a stored conversation turn.
type ConversationRound struct {
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Role      string `json:"role"` // "user" or "ai"
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}
