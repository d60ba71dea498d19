package imapsync

import (
	"context"
	"errors"

	"github.com/emersion/go-imap/v2"

	"github.com/fho/mailsyncd/internal/imapsess"
	"github.com/fho/mailsyncd/internal/neterr"
)

// prepareOperationOnMsg ensures that the client is connected and folder is
// selected. If the operation can not run, the result is returned and ok is
// false.
func (c *Client) prepareOperationOnMsg(ctx context.Context, folder string, uid uint32) (_ Result, ok bool) {
	if uid == 0 {
		return ResultFailed, false
	}

	if !c.IsConnected() {
		c.reconnect(ctx)
		if !c.IsConnected() {
			return ResultRetryLater, false
		}
	}

	if err := c.selectFolder(folder); err != nil {
		c.logger.Info("can not select folder for message operation",
			lkFolder, folder, "mail.uid", uid, "error", err)
		return ResultRetryLater, false
	}

	return ResultSuccess, true
}

// Move moves the message with uid from folder to dest.
// If the server does not support moving, the message is copied and
// flagged as deleted. It is expunged when the next folder is selected.
// The returned UID of the message in dest is always 0, it is unknown.
func (c *Client) Move(ctx context.Context, folder string, uid uint32, dest string) (Result, uint32) {
	if folder == dest {
		c.logger.Info("skipping moving message to the same folder", lkFolder, folder, "mail.uid", uid)
		return ResultAlreadyDone, 0
	}

	if res, ok := c.prepareOperationOnMsg(ctx, folder, uid); !ok {
		return res, 0
	}

	logger := c.logger.With(lkFolder, folder, "mail.uid", uid, "destination", dest)

	err := c.withSession(func(sess imapsess.Session) error {
		return sess.Move(uid, dest)
	})
	if err == nil {
		c.emit(EventImapMessageMoved, "IMAP message %s/%d moved to %s", folder, uid, dest)
		return ResultSuccess, 0
	}

	if errors.Is(err, ErrNoSession) {
		return ResultRetryLater, 0
	}

	if neterr.IsRetryableError(err) {
		logger.Info("moving message failed", "error", err)
		c.triggerReconnect()
		return ResultRetryLater, 0
	}

	if errors.Is(err, imapsess.ErrMoveNotSupported) {
		logger.Debug("server does not support moving, falling back to copy and delete")
	} else {
		logger.Info("moving message failed, falling back to copy and delete", "error", err)
	}

	err = c.withSession(func(sess imapsess.Session) error {
		return sess.Copy(uid, dest)
	})
	if err != nil {
		logger.Warn("copying message failed", "error", err)

		if errors.Is(err, ErrNoSession) {
			return ResultRetryLater, 0
		}
		if neterr.IsRetryableError(err) {
			c.triggerReconnect()
			return ResultRetryLater, 0
		}

		return ResultFailed, 0
	}

	// The copy exists in dest, retrying would duplicate it.
	if !c.addFlagFinalized(uid, string(imap.FlagDeleted)) {
		logger.Warn("can not flag copied message as deleted, original stays in folder")
		c.emit(EventWarning, "IMAP message %s/%d copied to %s but not deleted", folder, uid, dest)
		return ResultFailed, 0
	}

	c.cfgMu.Lock()
	c.cfg.selectedFolderNeedsExpunge = true
	c.cfgMu.Unlock()

	c.emit(EventImapMessageMoved, "IMAP message %s/%d copied to %s", folder, uid, dest)

	return ResultSuccess, 0
}

// SetSeen adds the \Seen flag to a message.
func (c *Client) SetSeen(ctx context.Context, folder string, uid uint32) Result {
	if res, ok := c.prepareOperationOnMsg(ctx, folder, uid); !ok {
		return res
	}

	if !c.addFlagFinalized(uid, string(imap.FlagSeen)) {
		c.logger.Warn("can not mark message as seen", lkFolder, folder, "mail.uid", uid)
		return ResultRetryLater
	}

	c.logger.Debug("message marked as seen", lkFolder, folder, "mail.uid", uid, "event", "imap.message_seen")

	return ResultSuccess
}

// DeleteMsg flags the message as deleted after verifying that uid still
// refers to a message. A differing message-id is logged but the message is
// deleted anyways.
// The returned UID is always 0.
func (c *Client) DeleteMsg(ctx context.Context, messageID, folder string, uid uint32) (Result, uint32) {
	if res, ok := c.prepareOperationOnMsg(ctx, folder, uid); !ok {
		return res, 0
	}

	logger := c.logger.With(lkFolder, folder, "mail.uid", uid, "mail.message_id", messageID)

	var env *imapsess.Envelope
	err := c.withSession(func(sess imapsess.Session) error {
		var err error
		env, err = sess.FetchEnvelope(uid)
		return err
	})
	if err != nil {
		logger.Info("fetching envelope of message to delete failed", "error", err)
		if !errors.Is(err, ErrNoSession) {
			c.triggerReconnect()
		}
		return ResultRetryLater, 0
	}

	if env == nil {
		logger.Warn("can not delete message, it does not exist")
		c.emit(EventWarning, "Cannot delete on IMAP, %s/%d not found.", folder, uid)
		return ResultFailed, 0
	}

	if env.MessageID != messageID {
		logger.Warn("message-id of message to delete differs, deleting it anyways",
			"mail.message_id_server", env.MessageID)
	}

	if !c.addFlagFinalized(uid, string(imap.FlagDeleted)) {
		logger.Warn("can not flag message as deleted")
		return ResultRetryLater, 0
	}

	c.cfgMu.Lock()
	c.cfg.selectedFolderNeedsExpunge = true
	c.cfgMu.Unlock()

	c.emit(EventImapMessageDeleted, "IMAP message %s/%d marked as deleted", folder, uid)

	return ResultSuccess, 0
}

// addFlagFinalized adds flag to a message of the selected folder.
// It returns false only if the connection is known to be broken. Other
// errors are logged and the operation is considered as done, to not retry
// it forever.
func (c *Client) addFlagFinalized(uid uint32, flag string) bool {
	if c.ShouldReconnect() {
		return false
	}

	err := c.withSession(func(sess imapsess.Session) error {
		return sess.AddFlags(uid, flag)
	})
	if err != nil {
		c.logger.Warn("adding flag failed", "mail.uid", uid, "flag", flag, "error", err)

		if errors.Is(err, ErrNoSession) {
			return false
		}
		if neterr.IsRetryableError(err) {
			c.triggerReconnect()
		}
	}

	return !c.ShouldReconnect()
}

// EmptyFolder deletes all messages in folder.
func (c *Client) EmptyFolder(ctx context.Context, folder string) error {
	logger := c.logger.With(lkFolder, folder)
	logger.Info("emptying folder", "event", "imap.empty_folder")

	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := c.setupHandleIfNeeded(ctx); err != nil {
		return err
	}

	if err := c.selectFolder(folder); err != nil {
		return err
	}

	if status := c.selectedMailbox(); status != nil && status.NumMessages > 0 {
		err := c.withSession(func(sess imapsess.Session) error {
			return sess.AddFlagsAll(string(imap.FlagDeleted))
		})
		if err != nil {
			logger.Warn("can not flag messages as deleted", "error", err)
			if neterr.IsRetryableError(err) {
				c.triggerReconnect()
			}
			return err
		}
	}

	if err := c.closeFolder(); err != nil {
		logger.Warn("can not expunge folder", "error", err)
		return err
	}

	c.emitEvent(Event{
		Type:   EventImapFolderEmptied,
		Msg:    "IMAP folder " + folder + " emptied",
		Folder: folder,
	})

	return nil
}
