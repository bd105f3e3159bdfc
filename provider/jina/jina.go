// Package jina implements strata.EmbeddingProvider over the Jina embeddings
// API.
package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	strata "github.com/nevindra/strata"
)

const defaultEndpoint = "https://api.jina.ai/v1/embeddings"

// Provider embeds texts via the Jina API. Every returned vector is validated
// against the configured dimension; a mismatch is an ErrDimension.
type Provider struct {
	apiKey     string
	model      string
	dimensions int
	task       string
	endpoint   string
	client     *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithTask sets the Jina task type (default "text-matching").
func WithTask(task string) Option {
	return func(p *Provider) {
		if task != "" {
			p.task = task
		}
	}
}

// WithEndpoint overrides the API endpoint. Test hook.
func WithEndpoint(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.endpoint = u
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates a Jina embedding provider producing dimensions-sized vectors.
func New(apiKey, model string, dimensions int, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		task:       "text-matching",
		endpoint:   defaultEndpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ strata.EmbeddingProvider = (*Provider)(nil)

func (p *Provider) Name() string    { return "jina" }
func (p *Provider) Dimensions() int { return p.dimensions }

type wireRequest struct {
	Model      string   `json:"model"`
	Task       string   `json:"task"`
	Dimensions int      `json:"dimensions"`
	Input      []string `json:"input"`
}

type wireResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(wireRequest{
		Model:      p.model,
		Task:       p.task,
		Dimensions: p.dimensions,
		Input:      texts,
	})
	if err != nil {
		return nil, &strata.ErrLLM{Provider: p.Name(), Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &strata.ErrLLM{Provider: p.Name(), Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &strata.ErrLLM{Provider: p.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &strata.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: strata.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &strata.ErrLLM{Provider: p.Name(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(wire.Data) != len(texts) {
		return nil, &strata.ErrLLM{Provider: p.Name(),
			Message: fmt.Sprintf("got %d embeddings for %d inputs", len(wire.Data), len(texts))}
	}

	out := make([][]float32, len(texts))
	for _, d := range wire.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &strata.ErrLLM{Provider: p.Name(), Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		if len(d.Embedding) != p.dimensions {
			return nil, &strata.ErrDimension{Want: p.dimensions, Got: len(d.Embedding)}
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}
