package imapserver

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/fho/mailsyncd/internal/log"
)

// slogPrintfLogger passes messages of the imapserver package, which expects
// a Printf logger, to a slog logger.
type slogPrintfLogger struct {
	logger *slog.Logger
}

func (l *slogPrintfLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func testLoggerAsImapServerLogger(t *testing.T) *slogPrintfLogger {
	return &slogPrintfLogger{logger: log.SloggerWithGroup(log.SlogTestLogger(t), "imapserver")}
}
