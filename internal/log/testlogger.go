package log

import (
	"log/slog"
	"testing"
)

// SlogTestLogger returns a [*slog.Logger] that writes debug messages
// without timestamps to the output of tb.
func SlogTestLogger(tb testing.TB) *slog.Logger {
	return slog.New(
		slog.NewTextHandler(tb.Output(), &slog.HandlerOptions{
			Level: slog.LevelDebug,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			},
		}),
	)
}
