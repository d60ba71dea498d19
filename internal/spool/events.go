package spool

import (
	"context"
	"log/slog"

	"github.com/fho/mailsyncd/internal/imapsync"
	"github.com/fho/mailsyncd/internal/log"
)

// LogSink writes events to a logger.
type LogSink struct {
	logger *slog.Logger
}

var _ imapsync.EventSink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: log.SloggerWithGroup(logger, "events")}
}

func (s *LogSink) Emit(ev imapsync.Event) {
	level := slog.LevelInfo
	switch ev.Type {
	case imapsync.EventWarning:
		level = slog.LevelWarn
	case imapsync.EventErrorNetwork:
		level = slog.LevelError
	}

	attrs := []any{"event", "imap." + ev.Type.String()}
	if ev.Folder != "" {
		attrs = append(attrs, "imap.folder", ev.Folder)
	}

	s.logger.Log(context.Background(), level, ev.Msg, attrs...)
}
