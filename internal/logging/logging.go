// Package logging constructs the process-wide slog.Logger, adapted
// verbatim from the teacher's internal/logging.New.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON slog.Logger configured with the given level. Unknown
// levels default to INFO.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
