// Package imapsync keeps a mailbox on an IMAP server synchronized with a
// local message store.
//
// A [Client] is connected once with [Client.Connect]. Afterwards callers
// alternate [Client.Idle] to wait for changes and [Client.Fetch] to download
// new messages. Message operations like [Client.Move] are run by a job
// queue.
package imapsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-imap/v2"

	"github.com/fho/mailsyncd/internal/imapsess"
	"github.com/fho/mailsyncd/internal/log"
)

const defaultDelimiter = '.'

type Config struct {
	Dialer   SessionDialer
	Store    ConfigStore
	Ingester Ingester
	Lookup   MessageLookup
	Jobs     JobQueue
	Events   EventSink
	Tokens   TokenSource
	// Reconnect is called when an operation requires a connection and the
	// client is not connected. It returns true if the client is connected
	// afterwards. When nil, the login parameters of the last [Client.Connect]
	// call are used.
	Reconnect   func(ctx context.Context) bool
	WatchFolder string
	Logger      *slog.Logger
}

// imapConfig is the connection configuration and the state of the selected
// folder. It is guarded by Client.cfgMu.
type imapConfig struct {
	params *LoginParams

	selectedFolder             string
	selectedMailbox            *imapsess.MailboxStatus
	selectedFolderNeedsExpunge bool

	canIdle      bool
	hasXList     bool
	capabilities []string
	delimiter    rune
	watchFolder  string
}

// Client synchronizes messages with an IMAP server.
// Its methods can be called concurrently.
//
// Locks are acquired in the order connectMu, transportMu, sessionMu, cfgMu.
type Client struct {
	// connectMu serializes establishing connections.
	connectMu sync.Mutex

	transportMu sync.Mutex
	transport   io.Closer

	sessionMu sync.Mutex
	session   imapsess.Session

	cfgMu sync.RWMutex
	cfg   imapConfig

	connected       atomic.Bool
	shouldReconnect atomic.Bool

	// interruptCh wakes up a running Idle call.
	interruptCh chan struct{}

	dialer      SessionDialer
	store       ConfigStore
	ingester    Ingester
	lookup      MessageLookup
	jobs        JobQueue
	events      EventSink
	tokens      TokenSource
	reconnectFn func(ctx context.Context) bool

	logger *slog.Logger
}

func NewClient(cfg *Config) *Client {
	c := Client{
		interruptCh: make(chan struct{}, 1),
		dialer:      cfg.Dialer,
		store:       cfg.Store,
		ingester:    cfg.Ingester,
		lookup:      cfg.Lookup,
		jobs:        cfg.Jobs,
		events:      cfg.Events,
		tokens:      cfg.Tokens,
		reconnectFn: cfg.Reconnect,
		logger:      log.SloggerWithGroup(cfg.Logger, "imapsync"),
	}
	c.cfg.delimiter = defaultDelimiter
	c.cfg.watchFolder = cfg.WatchFolder

	return &c
}

func (c *Client) emit(typ EventType, msg string, args ...any) {
	ev := Event{Type: typ, Msg: fmt.Sprintf(msg, args...)}
	c.emitEvent(ev)
}

func (c *Client) emitEvent(ev Event) {
	if c.events == nil {
		return
	}

	c.events.Emit(ev)
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ShouldReconnect returns true if a broken connection was detected.
// The connection is reestablished by the next operation.
func (c *Client) ShouldReconnect() bool {
	return c.shouldReconnect.Load()
}

func (c *Client) triggerReconnect() {
	c.shouldReconnect.Store(true)
}

func (c *Client) SetWatchFolder(folder string) {
	c.cfgMu.Lock()
	c.cfg.watchFolder = folder
	c.cfgMu.Unlock()
}

func (c *Client) watchFolder() string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	return c.cfg.watchFolder
}

func (c *Client) canIdle() bool {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	return c.cfg.canIdle
}

// Capabilities returns the capabilities announced by the server after
// authentication.
func (c *Client) Capabilities() []string {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	return c.cfg.capabilities
}

func (c *Client) hasTransport() bool {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()

	return c.transport != nil
}

// Connect establishes an authenticated session with the IMAP server.
// If the client is already connected, nil is returned without
// reauthenticating.
// On failure the stored login parameters are cleared.
func (c *Client) Connect(ctx context.Context, params *LoginParams) error {
	if err := params.validate(); err != nil {
		return err
	}

	if c.IsConnected() {
		return nil
	}

	p := *params

	c.cfgMu.Lock()
	c.cfg.params = &p
	c.cfgMu.Unlock()

	if err := c.setupHandleIfNeeded(ctx); err != nil {
		c.unsetupHandle()
		c.freeConnectParams()
		return err
	}

	caps := strings.Join(c.Capabilities(), " ")
	c.logger.Info("connected to imap server",
		"server", p.Server,
		"user", p.User,
		"capabilities", caps,
		"event", "imap.connected",
	)
	c.emit(EventImapConnected, "IMAP-LOGIN as %s, capabilities: %s", p.User, caps)

	return nil
}

// Disconnect closes the connection and clears the login parameters.
// Calling it on a disconnected client is a no-op.
func (c *Client) Disconnect() {
	if c.IsConnected() {
		c.logger.Info("disconnecting from imap server", "event", "imap.disconnect")
	}

	c.unsetupHandle()
	c.freeConnectParams()
}

func (c *Client) freeConnectParams() {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	c.cfg.params = nil
	c.cfg.selectedFolder = ""
	c.cfg.selectedMailbox = nil
}

// unsetupHandle closes the transport and the session. The transport is
// closed first, a running IDLE command fails then and releases the
// session.
func (c *Client) unsetupHandle() {
	c.transportMu.Lock()
	if c.transport != nil {
		c.logger.Debug("closing transport")
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing transport failed", "error", err)
		}
		c.transport = nil
	}
	c.transportMu.Unlock()

	c.sessionMu.Lock()
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("closing session failed", "error", err)
		}
		c.session = nil
	}
	c.sessionMu.Unlock()

	c.cfgMu.Lock()
	c.cfg.selectedFolder = ""
	c.cfg.selectedMailbox = nil
	c.cfgMu.Unlock()

	c.connected.Store(false)
}

// setupHandleIfNeeded ensures that an authenticated session exists.
// It is the only place where connections are reestablished.
func (c *Client) setupHandleIfNeeded(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.shouldReconnect.Load() {
		c.logger.Info("reconnecting to imap server", "event", "imap.reconnect")
		c.unsetupHandle()
	}

	if c.IsConnected() && c.hasTransport() {
		c.shouldReconnect.Store(false)
		return nil
	}

	c.cfgMu.RLock()
	params := c.cfg.params
	c.cfgMu.RUnlock()

	if params == nil {
		return ErrMissingLoginParams
	}

	sess, transport, err := c.dialer.Dial(ctx, params)
	if err != nil {
		c.emit(EventErrorNetwork, "Could not connect to IMAP-server %s:%d: %s", params.Server, params.Port, err)
		return fmt.Errorf("connecting to %s:%d failed: %w", params.Server, params.Port, err)
	}

	if err := c.authenticate(ctx, sess, params); err != nil {
		_ = transport.Close()
		_ = sess.Close()
		c.emit(EventErrorNetwork, "Cannot login as %s: %s", params.User, err)
		return err
	}

	caps, err := sess.Capabilities()
	if err != nil {
		_ = transport.Close()
		_ = sess.Close()
		c.emit(EventErrorNetwork, "Cannot query capabilities of %s: %s", params.Server, err)
		return err
	}

	canIdle := hasCapability(caps, string(imap.CapIdle))
	hasXList := hasCapability(caps, "XLIST")

	c.transportMu.Lock()
	c.transport = transport
	c.sessionMu.Lock()
	c.session = sess
	c.cfgMu.Lock()
	c.cfg.canIdle = canIdle
	c.cfg.hasXList = hasXList
	c.cfg.capabilities = caps
	c.cfg.selectedFolder = ""
	c.cfg.selectedMailbox = nil
	c.cfgMu.Unlock()
	c.sessionMu.Unlock()
	c.transportMu.Unlock()

	c.connected.Store(true)
	c.shouldReconnect.Store(false)

	c.logger.Debug("imap session established",
		"can_idle", canIdle, "has_xlist", hasXList,
		"event", "imap.session_established",
	)

	return nil
}

func (c *Client) authenticate(ctx context.Context, sess imapsess.Session, params *LoginParams) error {
	if !params.ServerFlags.Has(FlagAuthOAuth2) {
		return sess.Login(params.User, params.Password)
	}

	if c.tokens == nil {
		return errors.New("oauth2 authentication requested but no token source is configured")
	}

	token, err := c.tokens.Token(ctx, params.Addr, params.Password)
	if err != nil {
		return fmt.Errorf("retrieving oauth2 token failed: %w", err)
	}

	return sess.AuthenticateXOAuth2(params.User, token)
}

// reconnect runs the reconnect callback or, without a callback, connects
// with the stored login parameters.
func (c *Client) reconnect(ctx context.Context) bool {
	if c.reconnectFn != nil {
		return c.reconnectFn(ctx) && c.IsConnected()
	}

	if err := c.setupHandleIfNeeded(ctx); err != nil {
		c.logger.Info("reconnecting failed", "error", err)
		return false
	}

	return true
}

// withSession runs fn with the session while holding the session lock.
func (c *Client) withSession(fn func(imapsess.Session) error) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session == nil {
		return ErrNoSession
	}

	return fn(c.session)
}

func hasCapability(caps []string, capability string) bool {
	for _, c := range caps {
		if strings.EqualFold(c, capability) {
			return true
		}
	}

	return false
}
