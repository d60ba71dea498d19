package imapsync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap/v2"

	"github.com/fho/mailsyncd/internal/imapsess"
)

const lkFolder = "imap.folder"

// selectFolder selects folder, if it is not already selected.
// If the previously selected folder has pending deletions it is closed
// first, which expunges them.
// A failed selection marks the connection for reconnecting.
func (c *Client) selectFolder(folder string) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session == nil {
		return ErrNotConnected
	}

	c.cfgMu.RLock()
	selected := c.cfg.selectedFolder
	needsExpunge := c.cfg.selectedFolderNeedsExpunge
	c.cfgMu.RUnlock()

	if selected != "" && selected == folder {
		return nil
	}

	if selected != "" && needsExpunge {
		c.logger.Info("expunging messages", lkFolder, selected, "event", "imap.expunge")

		if err := c.session.CloseMailbox(); err != nil {
			c.logger.Warn("closing folder failed", lkFolder, selected, "error", err)
		}

		c.cfgMu.Lock()
		c.cfg.selectedFolderNeedsExpunge = false
		c.cfgMu.Unlock()
	}

	status, err := c.session.Select(folder)
	if err != nil {
		c.cfgMu.Lock()
		c.cfg.selectedFolder = ""
		c.cfg.selectedMailbox = nil
		c.cfgMu.Unlock()

		c.triggerReconnect()

		c.logger.Info("selecting folder failed", lkFolder, folder, "error", err)

		return fmt.Errorf("%w: %q: %w", ErrSelectFailed, folder, err)
	}

	c.cfgMu.Lock()
	c.cfg.selectedFolder = folder
	c.cfg.selectedMailbox = status
	c.cfgMu.Unlock()

	return nil
}

// closeFolder closes the selected folder and expunges messages flagged as
// deleted.
func (c *Client) closeFolder() error {
	err := c.withSession(func(sess imapsess.Session) error {
		return sess.CloseMailbox()
	})

	c.cfgMu.Lock()
	c.cfg.selectedFolder = ""
	c.cfg.selectedMailbox = nil
	c.cfg.selectedFolderNeedsExpunge = false
	c.cfgMu.Unlock()

	return err
}

func (c *Client) selectedMailbox() *imapsess.MailboxStatus {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	return c.cfg.selectedMailbox
}

// Fetch downloads all new messages of the watch folder.
// It repeats until no new messages are found, to also fetch messages that
// arrived while fetching.
func (c *Client) Fetch(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	folder := c.watchFolder()
	if folder == "" {
		return ErrNoWatchFolder
	}

	if err := c.setupHandleIfNeeded(ctx); err != nil {
		return err
	}

	for {
		cnt, err := c.fetchFromSingleFolder(ctx, folder)
		if err != nil {
			return err
		}

		if cnt == 0 {
			return nil
		}
	}
}

// fetchFromSingleFolder downloads the messages of folder that are newer
// than its cursor and passes them to the ingester. It returns the number of
// new messages that were found.
// The cursor is only advanced if all messages could be read.
func (c *Client) fetchFromSingleFolder(ctx context.Context, folder string) (int, error) {
	logger := c.logger.With(lkFolder, folder)

	if !c.IsConnected() {
		logger.Info("can not fetch from folder, not connected")
		return 0, ErrNotConnected
	}

	if err := c.selectFolder(folder); err != nil {
		logger.Info("can not fetch from folder", "error", err)
		return 0, err
	}

	status := c.selectedMailbox()
	if status == nil {
		return 0, ErrNoSession
	}

	cursor, err := c.getCursor(folder)
	if err != nil {
		logger.Warn("can not fetch from folder", "error", err)
		return 0, err
	}

	if status.UIDValidity != cursor.UIDValidity {
		if cursor.UIDValidity == 0 {
			logger.Debug("adopting uid validity",
				"uid_validity", status.UIDValidity,
				"last_seen_uid", cursor.LastSeenUID,
			)
			cursor.UIDValidity = status.UIDValidity
		} else {
			logger.Warn("uid validity changed, refetching folder",
				"uid_validity_old", cursor.UIDValidity,
				"uid_validity", status.UIDValidity,
				"event", "imap.uidvalidity_change",
			)
			c.emit(EventWarning, "UIDVALIDITY of %s changed from %d to %d, refetching folder",
				folder, cursor.UIDValidity, status.UIDValidity)
			cursor = UIDCursor{UIDValidity: status.UIDValidity}
		}

		if err := c.setCursor(folder, cursor); err != nil {
			return 0, err
		}
	}

	var envelopes []*imapsess.Envelope
	err = c.withSession(func(sess imapsess.Session) error {
		var err error
		envelopes, err = sess.FetchEnvelopes(cursor.LastSeenUID + 1)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			c.triggerReconnect()
		}
		logger.Warn("fetching envelopes failed", "error", err)
		return 0, fmt.Errorf("fetching envelopes from %q failed: %w", folder, err)
	}

	newLastSeenUID := cursor.LastSeenUID
	var readCnt, readErrors int

	for _, env := range envelopes {
		if env.UID <= cursor.LastSeenUID {
			continue
		}

		readCnt++

		if !c.precheckMessage(env.MessageID, folder, env.UID) {
			if err := c.fetchSingleMessage(ctx, folder, env.UID); err != nil {
				readErrors++
				logger.Warn("reading message failed",
					"mail.uid", env.UID,
					"mail.message_id", env.MessageID,
					"error", err,
				)
			}
		}

		newLastSeenUID = max(newLastSeenUID, env.UID)
	}

	if readErrors == 0 && newLastSeenUID > cursor.LastSeenUID {
		cursor.LastSeenUID = newLastSeenUID
		if err := c.setCursor(folder, cursor); err != nil {
			return readCnt, err
		}
	}

	if readErrors > 0 {
		c.emit(EventWarning, "%d mails read from %q with %d errors", readCnt, folder, readErrors)
		return readCnt, fmt.Errorf("reading %d of %d messages from %q failed", readErrors, readCnt, folder)
	}

	if readCnt > 0 {
		logger.Info("fetched messages",
			"count", readCnt,
			"last_seen_uid", cursor.LastSeenUID,
			"event", "imap.messages_fetched",
		)
	}

	return readCnt, nil
}

// precheckMessage returns true if the message is already known and does
// not need to be downloaded. Changed server locations of known messages are
// recorded.
func (c *Client) precheckMessage(messageID, folder string, uid uint32) bool {
	if messageID == "" || c.lookup == nil {
		return false
	}

	logger := c.logger.With(lkFolder, folder, "mail.uid", uid, "mail.message_id", messageID)

	known, err := c.lookup.LookupMessageID(messageID)
	if err != nil {
		logger.Warn("looking up message-id failed", "error", err)
		return false
	}

	if known == nil {
		return false
	}

	switch {
	case known.Folder == "" && known.UID == 0:
		logger.Info("detected copy of a sent message", "event", "imap.self_sent_detected")

		if c.jobs != nil {
			if err := c.jobs.AddJob(ActionMarkseenMsgOnImap, known.ID); err != nil {
				logger.Warn("enqueuing mark-seen job failed", "error", err)
			}
		}

	case known.Folder != folder:
		logger.Info("detected moved message", "folder_old", known.Folder, "event", "imap.moved_detected")

		if err := c.lookup.UpdateMoveState(messageID, MoveStateStay); err != nil {
			logger.Warn("updating move state failed", "error", err)
		}
	}

	if known.Folder != folder || known.UID != uid {
		if err := c.lookup.UpdateServerUID(messageID, folder, uid); err != nil {
			logger.Warn("updating server uid failed", "error", err)
		}
	}

	return true
}

// fetchSingleMessage downloads a message and passes it to the ingester.
// An error is only returned if the message could not be downloaded.
func (c *Client) fetchSingleMessage(ctx context.Context, folder string, uid uint32) error {
	logger := c.logger.With(lkFolder, folder, "mail.uid", uid)

	var msg *imapsess.Message
	err := c.withSession(func(sess imapsess.Session) error {
		var err error
		msg, err = sess.FetchBody(uid)
		return err
	})
	if err != nil {
		c.triggerReconnect()
		return err
	}

	if msg == nil {
		logger.Warn("server returned no message, ignoring it")
		return nil
	}

	if slices.Contains(msg.Flags, string(imap.FlagDeleted)) {
		logger.Debug("skipping message flagged as deleted")
		return nil
	}

	if len(msg.Body) == 0 {
		logger.Warn("message has an empty body, ignoring it")
		return nil
	}

	logger.Debug("downloaded message", "mail.size", humanize.IBytes(uint64(len(msg.Body))))

	if c.ingester == nil {
		return nil
	}

	flags := IngestFlags{Seen: slices.Contains(msg.Flags, string(imap.FlagSeen))}
	if err := c.ingester.Ingest(ctx, msg.Body, folder, uid, flags); err != nil {
		logger.Error("ingesting message failed", "error", err, "event", "imap.ingest_failed")
	}

	return nil
}
