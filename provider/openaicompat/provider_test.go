package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	strata "github.com/nevindra/strata"
)

func TestChat(t *testing.T) {
	var got wireRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{
			"choices": [{"message": {"content": "hello back"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4}
		}`))
	}))
	defer srv.Close()

	p := New("sk-test", "gpt-test", srv.URL, WithTemperature(0.2), WithMaxTokens(256))
	resp, err := p.Chat(context.Background(), strata.ChatRequest{Messages: []strata.ChatMessage{
		strata.SystemMessage("sys"),
		strata.UserMessage("hello"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello back" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage not mapped: %+v", resp.Usage)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("auth header wrong: %q", auth)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Messages[1].Content != "hello" {
		t.Errorf("wire request wrong: %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 || got.MaxTokens != 256 {
		t.Errorf("sampling options not sent: %+v", got)
	}
}

func TestChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), strata.ChatRequest{})
	var httpErr *strata.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected ErrHTTP, got %v", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 7*time.Second {
		t.Errorf("unexpected error: %+v", httpErr)
	}
}

func TestChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"message": "model overloaded"}}`))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), strata.ChatRequest{})
	var llmErr *strata.ErrLLM
	if !errors.As(err, &llmErr) || llmErr.Message != "model overloaded" {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	var llmErr *strata.ErrLLM
	if _, err := p.Chat(context.Background(), strata.ChatRequest{}); !errors.As(err, &llmErr) {
		t.Fatalf("expected ErrLLM, got %v", err)
	}
}

func TestName(t *testing.T) {
	if got := New("k", "m", "u").Name(); got != "openai" {
		t.Errorf("default name: %q", got)
	}
	if got := New("k", "m", "u", WithName("groq")).Name(); got != "groq" {
		t.Errorf("override name: %q", got)
	}
}
