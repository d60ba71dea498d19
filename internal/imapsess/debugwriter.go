package imapsess

import (
	"bytes"
	"context"
	"log/slog"
	"runtime"
	"time"
)

// DebugWriter logs the IMAP protocol data as debug messages.
// Credentials of LOGIN and AUTHENTICATE commands are masked.
type DebugWriter struct {
	l *slog.Logger
}

func NewDebugWriter(l *slog.Logger) *DebugWriter {
	return &DebugWriter{l: l}
}

func (w *DebugWriter) Write(p []byte) (n int, err error) {
	var pcs [1]uintptr

	runtime.Callers(2, pcs[:])

	r := slog.NewRecord(time.Now(), slog.LevelDebug, string(maskCredentials(p)), pcs[0])
	err = w.l.Handler().Handle(context.Background(), r)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

var maskedCommands = [][]byte{[]byte("LOGIN "), []byte("AUTHENTICATE ")}

func maskCredentials(p []byte) []byte {
	// tag SP command SP arguments
	_, rest, found := bytes.Cut(p, []byte(" "))
	if !found {
		return p
	}

	for _, cmd := range maskedCommands {
		if len(rest) < len(cmd) || !bytes.EqualFold(rest[:len(cmd)], cmd) {
			continue
		}

		masked := make([]byte, 0, len(p)-len(rest)+len(cmd)+5)
		masked = append(masked, p[:len(p)-len(rest)]...)
		masked = append(masked, rest[:len(cmd)]...)
		masked = append(masked, "***\r\n"...)
		return masked
	}

	return p
}
