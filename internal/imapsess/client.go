package imapsess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

const lkMailbox = "imap.mailbox"

// Client implements [Session] with an [imapclient.Client].
type Client struct {
	clt    *imapclient.Client
	conn   io.Closer
	logger *slog.Logger

	updatesCh chan<- struct{}
	mu        sync.Mutex
}

var _ Session = (*Client)(nil)

// Transport returns the underlying network connection.
// Closing it aborts all running commands.
func (c *Client) Transport() io.Closer {
	return c.conn
}

// Close closes the connection without logging out.
func (c *Client) Close() error {
	return c.clt.Close()
}

func (c *Client) mailboxUpdateHandler(d *imapclient.UnilateralDataMailbox) {
	if d.NumMessages == nil {
		c.logger.Debug("ignoring mailbox update with nil NumMessages")
		return
	}

	c.logger.Debug("received mailbox update", "num_messages", *d.NumMessages)
	c.notifyUpdate()
}

func (c *Client) expungeHandler(seqNum uint32) {
	c.logger.Debug("received expunge update", "seq_num", seqNum)
	c.notifyUpdate()
}

func (c *Client) notifyUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.updatesCh == nil {
		return
	}

	select {
	case c.updatesCh <- struct{}{}:
	default:
	}
}

func (c *Client) setUpdatesCh(ch chan<- struct{}) {
	c.mu.Lock()
	c.updatesCh = ch
	c.mu.Unlock()
}

func (c *Client) Login(user, password string) error {
	if err := c.clt.Login(user, password).Wait(); err != nil {
		return fmt.Errorf("login at imap server failed: %w", err)
	}

	c.logger.Info("authentication succeeded", "user", user, "event", "imap.authenticated")

	return nil
}

func (c *Client) AuthenticateXOAuth2(user, token string) error {
	saslClt, err := newOAuth2Client(c.clt.Caps(), user, token)
	if err != nil {
		return err
	}

	if err := c.clt.Authenticate(saslClt); err != nil {
		return fmt.Errorf("oauth2 authentication at imap server failed: %w", err)
	}

	c.logger.Info("authentication succeeded", "user", user, "mechanism", "oauth2", "event", "imap.authenticated")

	return nil
}

// Capabilities queries the capabilities from the server.
func (c *Client) Capabilities() ([]string, error) {
	caps, err := c.clt.Capability().Wait()
	if err != nil {
		return nil, fmt.Errorf("querying capabilities failed: %w", err)
	}

	result := make([]string, 0, len(caps))
	for capability := range caps {
		result = append(result, string(capability))
	}
	slices.Sort(result)

	return result, nil
}

func (c *Client) Select(folder string) (*MailboxStatus, error) {
	d, err := c.clt.Select(folder, &imap.SelectOptions{}).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting mailbox %q failed: %w", folder, err)
	}

	result := MailboxStatus{
		Name:        folder,
		UIDValidity: d.UIDValidity,
		UIDNext:     uint32(d.UIDNext),
		NumMessages: d.NumMessages,
		Flags:       flagsToStrings(d.Flags),
	}

	c.logger.Debug("selected mailbox",
		lkMailbox, folder,
		"uid_validity", result.UIDValidity,
		"uid_next", result.UIDNext,
		"count", result.NumMessages,
	)

	return &result, nil
}

func (c *Client) CloseMailbox() error {
	if err := c.clt.UnselectAndExpunge().Wait(); err != nil {
		return fmt.Errorf("closing mailbox failed: %w", err)
	}

	return nil
}

func (c *Client) FetchEnvelopes(fromUID uint32) ([]*Envelope, error) {
	var uids imap.UIDSet
	uids.AddRange(imap.UID(fromUID), 0)

	msgs, err := c.clt.Fetch(uids, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching envelopes failed: %w", err)
	}

	result := make([]*Envelope, 0, len(msgs))
	for _, msg := range msgs {
		if msg.UID == 0 {
			c.logger.Warn("ignoring fetched message without uid", "seq_num", msg.SeqNum)
			continue
		}
		result = append(result, toEnvelope(msg))
	}

	return result, nil
}

func (c *Client) FetchEnvelope(uid uint32) (*Envelope, error) {
	msgs, err := c.clt.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching envelope of message %d failed: %w", uid, err)
	}

	for _, msg := range msgs {
		if uint32(msg.UID) == uid {
			return toEnvelope(msg), nil
		}
	}

	return nil, nil
}

func (c *Client) FetchBody(uid uint32) (*Message, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}

	msgs, err := c.clt.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching message %d failed: %w", uid, err)
	}

	for _, msg := range msgs {
		if uint32(msg.UID) != uid {
			continue
		}

		body := msg.FindBodySection(bodySection)
		c.logger.Debug("fetched message",
			"mail.uid", uid,
			"mail.size", humanize.IBytes(uint64(len(body))),
		)

		return &Message{
			UID:   uid,
			Flags: flagsToStrings(msg.Flags),
			Body:  body,
		}, nil
	}

	return nil, nil
}

func (c *Client) storeFlags(numSet imap.NumSet, flags []string) error {
	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	return c.clt.Store(numSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  imapFlags,
	}, nil).Close()
}

func (c *Client) AddFlags(uid uint32, flags ...string) error {
	if err := c.storeFlags(imap.UIDSetNum(imap.UID(uid)), flags); err != nil {
		return fmt.Errorf("adding flags %v to message %d failed: %w", flags, uid, err)
	}

	return nil
}

func (c *Client) AddFlagsAll(flags ...string) error {
	var all imap.SeqSet
	all.AddRange(1, 0)

	if err := c.storeFlags(all, flags); err != nil {
		return fmt.Errorf("adding flags %v to all messages failed: %w", flags, err)
	}

	return nil
}

// Move moves a message to dest with the MOVE command.
// If the server does not support MOVE, [ErrMoveNotSupported] is returned.
func (c *Client) Move(uid uint32, dest string) error {
	caps := c.clt.Caps()
	if !caps.Has(imap.CapMove) && !caps.Has(imap.CapIMAP4rev2) {
		return ErrMoveNotSupported
	}

	if _, err := c.clt.Move(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
		return fmt.Errorf("moving message %d to %q failed: %w", uid, dest, err)
	}

	c.logger.Debug("moved imap message", lkMailbox, dest, "mail.uid", uid, "event", "imap.message_moved")

	return nil
}

func (c *Client) Copy(uid uint32, dest string) error {
	if _, err := c.clt.Copy(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
		return fmt.Errorf("copying message %d to %q failed: %w", uid, dest, err)
	}

	return nil
}

func (c *Client) List() ([]*Folder, error) {
	entries, err := c.clt.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes failed: %w", err)
	}

	result := make([]*Folder, 0, len(entries))
	for _, e := range entries {
		attrs := make([]string, 0, len(e.Attrs))
		for _, a := range e.Attrs {
			attrs = append(attrs, string(a))
		}

		result = append(result, &Folder{
			Name:  e.Mailbox,
			Delim: e.Delim,
			Attrs: attrs,
		})
	}

	return result, nil
}

func (c *Client) Create(folder string) error {
	if err := c.clt.Create(folder, nil).Wait(); err != nil {
		return fmt.Errorf("creating mailbox %q failed: %w", folder, err)
	}

	c.logger.Info("created mailbox", lkMailbox, folder, "event", "imap.mailbox_created")

	return nil
}

func (c *Client) Subscribe(folder string) error {
	if err := c.clt.Subscribe(folder).Wait(); err != nil {
		return fmt.Errorf("subscribing to mailbox %q failed: %w", folder, err)
	}

	return nil
}

// Idle issues the IDLE command and waits for mailbox updates.
// The IDLE command is always terminated before Idle returns.
func (c *Client) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	updatesCh := make(chan struct{}, 1)
	c.setUpdatesCh(updatesCh)
	defer c.setUpdatesCh(nil)

	idleCmd, err := c.clt.Idle()
	if err != nil {
		return false, fmt.Errorf("starting idle command failed: %w", err)
	}

	doneCh := make(chan error, 1)
	go func() { doneCh <- idleCmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var dataArrived bool
	var ctxErr error

	select {
	case <-updatesCh:
		dataArrived = true
		c.logger.Debug("idle: mailbox changed", "event", "imap.idle_update")

	case <-timer.C:
		c.logger.Debug("idle: timeout expired", "timeout", timeout)

	case err := <-doneCh:
		if err == nil {
			err = errors.New("server terminated the idle command")
		}
		return false, fmt.Errorf("idle command failed: %w", err)

	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	if err := errors.Join(idleCmd.Close(), <-doneCh); err != nil {
		return dataArrived, fmt.Errorf("stopping idle command failed: %w", err)
	}

	return dataArrived, ctxErr
}

func (c *Client) Logout() error {
	if err := c.clt.Logout().Wait(); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	return nil
}

func toEnvelope(msg *imapclient.FetchMessageBuffer) *Envelope {
	result := Envelope{UID: uint32(msg.UID)}

	if msg.Envelope == nil {
		return &result
	}

	result.MessageID = parseMessageID(msg.Envelope.MessageID)
	result.Subject = msg.Envelope.Subject
	result.Date = msg.Envelope.Date
	result.From = addressesToStrings(msg.Envelope.From)

	return &result
}

// parseMessageID returns the message-id without angle brackets.
func parseMessageID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if !strings.HasPrefix(raw, "<") {
		raw = "<" + raw + ">"
	}

	var h mail.Header
	h.Set("Message-Id", raw)

	id, err := h.MessageID()
	if err != nil || id == "" {
		return strings.Trim(raw, "<>")
	}

	return id
}

func addressesToStrings(addrs []imap.Address) []string {
	result := make([]string, 0, len(addrs))

	for _, addr := range addrs {
		result = append(result, addr.Addr())
	}

	return result
}

func flagsToStrings(flags []imap.Flag) []string {
	result := make([]string, 0, len(flags))
	for _, f := range flags {
		result = append(result, string(f))
	}

	return result
}
