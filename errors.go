package strata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrMalformedJSON reports a strict-JSON completion that did not parse as a
// single JSON object. Planner and proposer recover from it locally.
type ErrMalformedJSON struct {
	Raw    string
	Reason string
}

func (e *ErrMalformedJSON) Error() string {
	return "malformed model output: " + e.Reason
}

// ErrDimension reports an embedding whose length does not match the
// configured dimension. This is an invariant violation and aborts the run.
type ErrDimension struct {
	Want int
	Got  int
}

func (e *ErrDimension) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// ErrDeadline marks a run that hit its overall deadline. The orchestrator
// returns it alongside the partial result.
var ErrDeadline = errors.New("task deadline exceeded")

// ParseRetryAfter parses an HTTP Retry-After header value given in seconds.
// HTTP-date values and unparsable input yield 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
