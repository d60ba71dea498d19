// Package spool contains the reference implementations of the collaborators
// the IMAP synchronization engine delivers messages to.
//
// Messages are written as files to a spool directory and indexed by their
// Message-ID in the [store.DB].
package spool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
	"github.com/rs/xid"

	"github.com/fho/mailsyncd/internal/imapsync"
	"github.com/fho/mailsyncd/internal/log"
	"github.com/fho/mailsyncd/internal/mail"
	"github.com/fho/mailsyncd/internal/store"
)

const (
	HdrFolder = "X-Mailsyncd-Folder"
	HdrUID    = "X-Mailsyncd-Uid"
)

const spoolFileExt = ".eml"

// Ingester writes downloaded messages to the spool directory and records
// them in the message index.
type Ingester struct {
	db     *store.DB
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

var _ imapsync.Ingester = (*Ingester)(nil)

// NewIngester returns an Ingester that stores messages in dir.
// dir is created if it does not exist.
func NewIngester(db *store.DB, dir string, logger *slog.Logger) (*Ingester, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory failed: %w", err)
	}

	return &Ingester{
		db:     db,
		dir:    dir,
		logger: log.SloggerWithGroup(logger, "spool"),
		now:    time.Now,
	}, nil
}

// Ingest parses the header of body, writes the message to the spool
// directory and adds it to the index.
// Messages with a Message-ID that is already indexed are not stored again,
// only their server location is updated.
func (i *Ingester) Ingest(ctx context.Context, body []byte, folder string, uid uint32, flags imapsync.IngestFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parsing message failed: %w", err)
	}

	id := xid.NewWithTime(i.now())

	mid := normalizeMessageID(env.GetHeader("Message-Id"))
	if mid == "" {
		mid = id.String() + "@mailsyncd.invalid"
	}

	logger := i.logger.With("mail.message_id", mid, "imap.folder", folder, "mail.uid", uid)

	known, err := i.db.MessageByRfc724Mid(mid)
	if err == nil {
		logger.Debug("message is already in the spool", "spool.path", known.Path)
		return i.db.UpdateServerUID(mid, folder, uid)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	path := filepath.Join(i.dir, id.String()+spoolFileExt)
	if err := i.writeFile(path, body, folder, uid); err != nil {
		return fmt.Errorf("writing message to spool failed: %w", err)
	}

	msg := store.Message{
		Rfc724Mid:    mid,
		ServerFolder: folder,
		ServerUID:    uid,
		Seen:         flags.Seen,
		Subject:      env.GetHeader("Subject"),
		Sender:       sender(env),
		Size:         int64(len(body)),
		Path:         path,
		ReceivedAt:   i.now(),
	}

	if _, err := i.db.InsertMessage(&msg); err != nil {
		return errors.Join(err, os.Remove(path))
	}

	logger.Info("message spooled",
		"mail.subject", msg.Subject,
		"mail.from", msg.Sender,
		"mail.size", humanize.IBytes(uint64(msg.Size)),
		"spool.path", path,
		"event", "spool.message_stored",
	)

	return nil
}

// writeFile stores body at path with headers recording the server location.
// Bodies without a header section are stored unmodified.
func (i *Ingester) writeFile(path string, body []byte, folder string, uid uint32) error {
	hdrs, err := mail.AsHeaders(map[string]string{
		HdrFolder: folder,
		HdrUID:    strconv.FormatUint(uint64(uid), 10),
	})
	if err != nil {
		i.logger.Debug("folder name can not be stored as header", "imap.folder", folder, "error", err)
		hdrs = nil
	}

	err = mail.WriteFile(path, body, hdrs)
	if errors.Is(err, mail.ErrNoHeaderEnd) {
		return mail.WriteFile(path, body, nil)
	}

	return err
}

func normalizeMessageID(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "<>"))
}

func sender(env *enmime.Envelope) string {
	addrs, err := env.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return env.GetHeader("From")
	}

	return addrs[0].Address
}
