package imapsync

import (
	"context"
	"io"

	"github.com/fho/mailsyncd/internal/imapsess"
)

type IngestFlags struct {
	Seen bool
}

// Ingester parses and stores a downloaded message.
type Ingester interface {
	Ingest(ctx context.Context, body []byte, folder string, uid uint32, flags IngestFlags) error
}

// KnownMessage is the last recorded server location of a message.
// An empty Folder with a UID of 0 is a message that was sent by this
// client and never seen on the server.
type KnownMessage struct {
	ID     int64
	Folder string
	UID    uint32
}

type MoveState int

const (
	MoveStateUndefined MoveState = iota
	MoveStatePending
	MoveStateStay
	MoveStateMoving
)

type MessageLookup interface {
	// LookupMessageID returns nil, nil if the message-id is unknown.
	LookupMessageID(messageID string) (*KnownMessage, error)
	UpdateServerUID(messageID, folder string, uid uint32) error
	UpdateMoveState(messageID string, state MoveState) error
}

type Action int

const (
	ActionMarkseenMsgOnImap Action = 130
)

type JobQueue interface {
	AddJob(action Action, msgID int64) error
}

// ConfigStore is a persistent key-value store.
type ConfigStore interface {
	GetRawConfig(key string) (value string, found bool, err error)
	SetRawConfig(key, value string) error
}

// TokenSource returns OAuth2 access tokens.
type TokenSource interface {
	Token(ctx context.Context, addr, credential string) (string, error)
}

// SessionDialer establishes unauthenticated IMAP sessions.
// Closing the returned transport aborts all running session commands.
type SessionDialer interface {
	Dial(ctx context.Context, params *LoginParams) (imapsess.Session, io.Closer, error)
}
