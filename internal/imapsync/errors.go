package imapsync

import "errors"

var (
	ErrMissingLoginParams = errors.New("imap server, user or password missing")
	ErrNotConnected       = errors.New("not connected to imap server")
	ErrNoWatchFolder      = errors.New("no watch folder set")
	// ErrNoSession is returned when the session vanished between a
	// connection check and its usage, e.g. because of a concurrent
	// disconnect.
	ErrNoSession    = errors.New("no imap session")
	ErrSelectFailed = errors.New("selecting folder failed")
)
