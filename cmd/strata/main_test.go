package main

import (
	"fmt"
	"testing"

	strata "github.com/nevindra/strata"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name   string
		result string
		err    error
		want   int
	}{
		{"clean run", `{"step_1_ReportSynthesis": {}}`, nil, exitOK},
		{"deadline with partial result", `{"step_1_WebSearch": {}}`, strata.ErrDeadline, exitOK},
		{"deadline with nothing", "", strata.ErrDeadline, exitDeadline},
		{"wrapped deadline", "", fmt.Errorf("run: %w", strata.ErrDeadline), exitDeadline},
		{"other error", "", fmt.Errorf("store init failed"), exitError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.result, tc.err); got != tc.want {
				t.Errorf("exitCodeFor(%q, %v) = %d, want %d", tc.result, tc.err, got, tc.want)
			}
		})
	}
}
