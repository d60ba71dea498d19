package spool

import (
	"errors"

	"github.com/fho/mailsyncd/internal/imapsync"
	"github.com/fho/mailsyncd/internal/store"
)

// Lookup resolves Message-IDs via the message index.
type Lookup struct {
	db *store.DB
}

var _ imapsync.MessageLookup = (*Lookup)(nil)

func NewLookup(db *store.DB) *Lookup {
	return &Lookup{db: db}
}

func (l *Lookup) LookupMessageID(messageID string) (*imapsync.KnownMessage, error) {
	m, err := l.db.MessageByRfc724Mid(messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &imapsync.KnownMessage{
		ID:     m.ID,
		Folder: m.ServerFolder,
		UID:    m.ServerUID,
	}, nil
}

func (l *Lookup) UpdateServerUID(messageID, folder string, uid uint32) error {
	return l.db.UpdateServerUID(messageID, folder, uid)
}

func (l *Lookup) UpdateMoveState(messageID string, state imapsync.MoveState) error {
	return l.db.UpdateMoveState(messageID, int(state))
}
