package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/authgate/authgate/internal/config"
)

var slogLevels = map[config.LogLevel]slog.Level{
	config.LogLevelDebug: slog.LevelDebug,
	config.LogLevelInfo:  slog.LevelInfo,
	config.LogLevelWarn:  slog.LevelWarn,
	config.LogLevelError: slog.LevelError,
}

// NewLogger creates the process-wide structured logger from the logging
// configuration section. Unknown levels fall back to info, unknown formats
// to JSON.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLoggerTo(os.Stdout, cfg)
}

func newLoggerTo(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	lvl, ok := slogLevels[cfg.Level]
	if !ok {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if cfg.Format == config.LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
