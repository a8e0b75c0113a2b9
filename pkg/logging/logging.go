package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns a tinted stderr logger at the given level.
// Applications can inject their own slog.Logger instead; this is only
// the default used when a Config leaves the logger nil.
func NewLogger(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return slog.New(handler)
}
