package qpid

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the zerolog.Logger threaded through ConnectionEngine,
// SessionState, and ReconnectController (FlowController takes no logger).
// level follows
// zerolog's names ("debug", "info", "warn", "error"); an unrecognised
// level falls back to "info" rather than failing the whole broker startup
// over a typo in a config file.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
