package imapsync

import (
	"fmt"
	"strconv"
	"strings"
)

// UIDCursor is the synchronization state of a folder.
// Messages with a UID <= LastSeenUID have been processed.
type UIDCursor struct {
	UIDValidity uint32
	LastSeenUID uint32
}

func (u UIDCursor) String() string {
	return fmt.Sprintf("%d:%d", u.UIDValidity, u.LastSeenUID)
}

// ParseUIDCursor parses the "<uidvalidity>:<lastseenuid>" representation.
func ParseUIDCursor(s string) (UIDCursor, error) {
	validity, lastSeen, found := strings.Cut(s, ":")
	if !found {
		return UIDCursor{}, fmt.Errorf("malformed uid cursor %q: missing separator", s)
	}

	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return UIDCursor{}, fmt.Errorf("malformed uid validity in cursor %q: %w", s, err)
	}

	l, err := strconv.ParseUint(lastSeen, 10, 32)
	if err != nil {
		return UIDCursor{}, fmt.Errorf("malformed last seen uid in cursor %q: %w", s, err)
	}

	return UIDCursor{UIDValidity: uint32(v), LastSeenUID: uint32(l)}, nil
}

func cursorKey(folder string) string {
	return "imap.mailbox." + folder
}

// getCursor returns the stored cursor of folder. A missing or malformed
// cursor is returned as zero value, an error is only returned when the store
// can not be read.
func (c *Client) getCursor(folder string) (UIDCursor, error) {
	v, found, err := c.store.GetRawConfig(cursorKey(folder))
	if err != nil {
		return UIDCursor{}, fmt.Errorf("reading uid cursor of %q failed: %w", folder, err)
	}

	if !found {
		return UIDCursor{}, nil
	}

	cur, err := ParseUIDCursor(v)
	if err != nil {
		c.logger.Warn("ignoring stored uid cursor", lkFolder, folder, "error", err)
		return UIDCursor{}, nil
	}

	return cur, nil
}

func (c *Client) setCursor(folder string, cur UIDCursor) error {
	if err := c.store.SetRawConfig(cursorKey(folder), cur.String()); err != nil {
		return fmt.Errorf("storing uid cursor of %q failed: %w", folder, err)
	}

	return nil
}
