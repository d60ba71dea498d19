// Package imapsess provides a synchronous IMAP session on top of
// go-imap's imapclient.
package imapsess

import (
	"context"
	"errors"
	"time"
)

// ErrMoveNotSupported is returned by [Session.Move] when the server does not
// announce the MOVE capability.
var ErrMoveNotSupported = errors.New("server does not support the MOVE command")

// Session is an authenticated or not-yet authenticated IMAP session.
// Methods must not be called concurrently.
type Session interface {
	Login(user, password string) error
	AuthenticateXOAuth2(user, token string) error
	Capabilities() ([]string, error)

	Select(folder string) (*MailboxStatus, error)
	// CloseMailbox closes the selected mailbox and permanently removes
	// messages flagged as deleted.
	CloseMailbox() error

	// FetchEnvelopes returns the envelopes of messages with UID >= fromUID.
	// A server returns the message with the highest UID for a range
	// starting behind the last message, callers must filter.
	FetchEnvelopes(fromUID uint32) ([]*Envelope, error)
	// FetchEnvelope returns nil if no message with uid exists.
	FetchEnvelope(uid uint32) (*Envelope, error)
	// FetchBody returns nil if the server did not return the message.
	FetchBody(uid uint32) (*Message, error)

	AddFlags(uid uint32, flags ...string) error
	// AddFlagsAll adds flags to all messages of the selected mailbox.
	AddFlagsAll(flags ...string) error
	Move(uid uint32, dest string) error
	Copy(uid uint32, dest string) error

	List() ([]*Folder, error)
	Create(folder string) error
	Subscribe(folder string) error

	// Idle runs the IDLE command until the server sends an update, timeout
	// expires or ctx is cancelled. It returns true if the server reported
	// changes.
	Idle(ctx context.Context, timeout time.Duration) (bool, error)

	Logout() error
	// Close closes the connection without logging out.
	Close() error
}

// MailboxStatus is the state of a mailbox after selecting it.
type MailboxStatus struct {
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	NumMessages uint32
	Flags       []string
}

type Envelope struct {
	UID       uint32
	MessageID string
	Subject   string
	Date      time.Time
	From      []string
}

type Message struct {
	UID   uint32
	Flags []string
	Body  []byte
}

// Folder is an entry of a LIST response.
type Folder struct {
	Name  string
	Delim rune
	Attrs []string
}
