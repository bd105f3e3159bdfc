package strata

import (
	"io"
	"log/slog"
)

// nopLogger discards all records. Used wherever no logger is injected.
var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
