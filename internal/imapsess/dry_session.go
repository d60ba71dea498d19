package imapsess

import (
	"log/slog"

	"github.com/fho/mailsyncd/internal/log"
)

// DrySession is a Session that simulates commands that modify messages or
// folders on the IMAP server. Reading commands are passed to the wrapped
// session.
type DrySession struct {
	Session
	logger *slog.Logger
}

// NewDrySession wraps sess, the modifying commands are only logged.
func NewDrySession(sess Session, logger *slog.Logger) *DrySession {
	return &DrySession{
		Session: sess,
		logger:  log.SloggerWithGroup(logger, "dry-session"),
	}
}

// AddFlags logs a debug message and returns nil.
func (s *DrySession) AddFlags(uid uint32, flags ...string) error {
	s.logger.Debug("skipping adding flags to message", "mail.uid", uid, "flags", flags)
	return nil
}

// AddFlagsAll logs a debug message and returns nil.
func (s *DrySession) AddFlagsAll(flags ...string) error {
	s.logger.Debug("skipping adding flags to all messages", "flags", flags)
	return nil
}

// Move logs a debug message and returns nil.
func (s *DrySession) Move(uid uint32, dest string) error {
	s.logger.Debug("skipping moving message to mailbox", "mail.uid", uid, lkMailbox, dest)
	return nil
}

// Copy logs a debug message and returns nil.
func (s *DrySession) Copy(uid uint32, dest string) error {
	s.logger.Debug("skipping copying message to mailbox", "mail.uid", uid, lkMailbox, dest)
	return nil
}

// Create logs a debug message and returns nil.
func (s *DrySession) Create(folder string) error {
	s.logger.Debug("skipping creating mailbox", lkMailbox, folder)
	return nil
}

// Subscribe logs a debug message and returns nil.
func (s *DrySession) Subscribe(folder string) error {
	s.logger.Debug("skipping subscribing to mailbox", lkMailbox, folder)
	return nil
}
