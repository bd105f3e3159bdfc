package strata

import "log/slog"

// bestEffort runs fn and logs failures instead of propagating them. Used for
// every side effect whose failure must not abort the run: pre-lesson
// retrieval, lesson inserts, artifact writes, learning, reflection.
func bestEffort(logger *slog.Logger, what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("best-effort step panicked", "step", what, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("best-effort step failed", "step", what, "error", err)
	}
}
