package mock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fho/mailsyncd/internal/imapsess"
)

// ErrConnClosed is returned by commands after the transport was closed.
var ErrConnClosed = fmt.Errorf("mock: %w", net.ErrClosed)

type Message struct {
	UID       uint32
	MessageID string
	Flags     []string
	Body      []byte
}

type Mailbox struct {
	UIDValidity uint32
	UIDNext     uint32
	Attrs       []string
	Messages    []*Message
}

// Session is an in-memory [imapsess.Session].
type Session struct {
	mu sync.Mutex

	Mailboxes map[string]*Mailbox
	Caps      []string
	Delim     rune
	// Errs contains errors that are returned by commands, the key is the
	// command name, e.g. "SELECT".
	Errs map[string]error
	// NoMove makes Move fail with [imapsess.ErrMoveNotSupported].
	NoMove bool
	// IdleStarted receives a value when an IDLE command starts.
	IdleStarted chan struct{}

	calls      []string
	selected   string
	subscribed []string
	updates    chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

var _ imapsess.Session = (*Session)(nil)

func NewSession() *Session {
	return &Session{
		Mailboxes: map[string]*Mailbox{
			"INBOX": {UIDValidity: 1, UIDNext: 1},
		},
		Caps:        []string{"IMAP4rev1", "IDLE", "MOVE"},
		Delim:       '/',
		Errs:        map[string]error{},
		IdleStarted: make(chan struct{}, 16),
		updates:     make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Append adds a message to mailbox and returns its uid.
func (s *Session) Append(mailbox, messageID string, body []byte, flags ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox := s.mailbox(mailbox)
	if mbox.UIDNext == 0 {
		mbox.UIDNext = 1
	}

	uid := mbox.UIDNext
	mbox.UIDNext++
	mbox.Messages = append(mbox.Messages, &Message{
		UID:       uid,
		MessageID: messageID,
		Flags:     flags,
		Body:      body,
	})

	return uid
}

// Notify simulates a server update during IDLE.
func (s *Session) Notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) SetErr(cmd string, err error) {
	s.mu.Lock()
	s.Errs[cmd] = err
	s.mu.Unlock()
}

// Calls returns the names of the executed commands.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.calls)
}

// CallCount returns how often commands with the given prefix were executed.
func (s *Session) CallCount(prefix string) int {
	var cnt int
	for _, c := range s.Calls() {
		if strings.HasPrefix(c, prefix) {
			cnt++
		}
	}

	return cnt
}

func (s *Session) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.subscribed)
}

// Message returns the message with uid in mailbox or nil.
func (s *Session) Message(mailbox string, uid uint32) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, ok := s.Mailboxes[mailbox]
	if !ok {
		return nil
	}

	return findMessage(mbox, uid)
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Transport returns a closer that simulates closing the network
// connection.
func (s *Session) Transport() *Transport {
	return &Transport{s: s}
}

type Transport struct {
	s *Session
}

func (t *Transport) Close() error {
	t.s.closeConn()
	return nil
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) mailbox(name string) *Mailbox {
	mbox, ok := s.Mailboxes[name]
	if !ok {
		mbox = &Mailbox{UIDValidity: 1, UIDNext: 1}
		s.Mailboxes[name] = mbox
	}

	return mbox
}

func findMessage(mbox *Mailbox, uid uint32) *Message {
	for _, m := range mbox.Messages {
		if m.UID == uid {
			return m
		}
	}

	return nil
}

// begin records cmd and returns the error that is configured for it.
// The caller must hold s.mu.
func (s *Session) begin(cmd string, args ...any) error {
	call := cmd
	if len(args) > 0 {
		call += " " + strings.TrimSpace(fmt.Sprintln(args...))
	}
	s.calls = append(s.calls, call)

	if s.IsClosed() {
		return ErrConnClosed
	}

	return s.Errs[cmd]
}

func (s *Session) selectedMailbox() (*Mailbox, error) {
	mbox, ok := s.Mailboxes[s.selected]
	if s.selected == "" || !ok {
		return nil, errors.New("mock: no mailbox selected")
	}

	return mbox, nil
}

func (s *Session) Login(string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.begin("LOGIN")
}

func (s *Session) AuthenticateXOAuth2(string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.begin("AUTHENTICATE")
}

func (s *Session) Capabilities() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("CAPABILITY"); err != nil {
		return nil, err
	}

	return slices.Clone(s.Caps), nil
}

func (s *Session) Select(folder string) (*imapsess.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("SELECT", folder); err != nil {
		s.selected = ""
		return nil, err
	}

	mbox, ok := s.Mailboxes[folder]
	if !ok {
		s.selected = ""
		return nil, fmt.Errorf("mock: mailbox %q does not exist", folder)
	}
	s.selected = folder

	return &imapsess.MailboxStatus{
		Name:        folder,
		UIDValidity: mbox.UIDValidity,
		UIDNext:     mbox.UIDNext,
		NumMessages: uint32(len(mbox.Messages)),
	}, nil
}

func (s *Session) CloseMailbox() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("CLOSE", s.selected); err != nil {
		return err
	}

	mbox, err := s.selectedMailbox()
	if err != nil {
		return err
	}

	mbox.Messages = slices.DeleteFunc(mbox.Messages, func(m *Message) bool {
		return slices.Contains(m.Flags, `\Deleted`)
	})
	s.selected = ""

	return nil
}

func toEnvelope(m *Message) *imapsess.Envelope {
	return &imapsess.Envelope{UID: m.UID, MessageID: m.MessageID}
}

func (s *Session) FetchEnvelopes(fromUID uint32) ([]*imapsess.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("FETCH_ENVELOPES", fromUID); err != nil {
		return nil, err
	}

	mbox, err := s.selectedMailbox()
	if err != nil {
		return nil, err
	}

	var result []*imapsess.Envelope
	for _, m := range mbox.Messages {
		if m.UID >= fromUID {
			result = append(result, toEnvelope(m))
		}
	}

	// like real servers, n:* returns the last message if n is larger
	// than the highest uid
	if len(result) == 0 && len(mbox.Messages) > 0 {
		result = append(result, toEnvelope(mbox.Messages[len(mbox.Messages)-1]))
	}

	return result, nil
}

func (s *Session) FetchEnvelope(uid uint32) (*imapsess.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("FETCH_ENVELOPE", uid); err != nil {
		return nil, err
	}

	mbox, err := s.selectedMailbox()
	if err != nil {
		return nil, err
	}

	m := findMessage(mbox, uid)
	if m == nil {
		return nil, nil
	}

	return toEnvelope(m), nil
}

func (s *Session) FetchBody(uid uint32) (*imapsess.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("FETCH_BODY", uid); err != nil {
		return nil, err
	}

	mbox, err := s.selectedMailbox()
	if err != nil {
		return nil, err
	}

	m := findMessage(mbox, uid)
	if m == nil {
		return nil, nil
	}

	return &imapsess.Message{
		UID:   m.UID,
		Flags: slices.Clone(m.Flags),
		Body:  slices.Clone(m.Body),
	}, nil
}

func addFlags(m *Message, flags []string) {
	for _, f := range flags {
		if !slices.Contains(m.Flags, f) {
			m.Flags = append(m.Flags, f)
		}
	}
}

func (s *Session) AddFlags(uid uint32, flags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("STORE", uid, flags); err != nil {
		return err
	}

	mbox, err := s.selectedMailbox()
	if err != nil {
		return err
	}

	if m := findMessage(mbox, uid); m != nil {
		addFlags(m, flags)
	}

	return nil
}

func (s *Session) AddFlagsAll(flags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("STORE_ALL", flags); err != nil {
		return err
	}

	mbox, err := s.selectedMailbox()
	if err != nil {
		return err
	}

	for _, m := range mbox.Messages {
		addFlags(m, flags)
	}

	return nil
}

func (s *Session) copyMsg(uid uint32, dest string) (*Message, error) {
	mbox, err := s.selectedMailbox()
	if err != nil {
		return nil, err
	}

	m := findMessage(mbox, uid)
	if m == nil {
		return nil, fmt.Errorf("mock: message %d does not exist", uid)
	}

	destMbox, ok := s.Mailboxes[dest]
	if !ok {
		return nil, fmt.Errorf("mock: mailbox %q does not exist", dest)
	}

	destMbox.Messages = append(destMbox.Messages, &Message{
		UID:       destMbox.UIDNext,
		MessageID: m.MessageID,
		Flags:     slices.Clone(m.Flags),
		Body:      m.Body,
	})
	destMbox.UIDNext++

	return m, nil
}

func (s *Session) Move(uid uint32, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("MOVE", uid, dest); err != nil {
		return err
	}

	if s.NoMove {
		return imapsess.ErrMoveNotSupported
	}

	m, err := s.copyMsg(uid, dest)
	if err != nil {
		return err
	}

	mbox, _ := s.selectedMailbox()
	mbox.Messages = slices.DeleteFunc(mbox.Messages, func(msg *Message) bool { return msg == m })

	return nil
}

func (s *Session) Copy(uid uint32, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("COPY", uid, dest); err != nil {
		return err
	}

	_, err := s.copyMsg(uid, dest)
	return err
}

func (s *Session) List() ([]*imapsess.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("LIST"); err != nil {
		return nil, err
	}

	var result []*imapsess.Folder
	for name, mbox := range s.Mailboxes {
		result = append(result, &imapsess.Folder{
			Name:  name,
			Delim: s.Delim,
			Attrs: slices.Clone(mbox.Attrs),
		})
	}

	slices.SortFunc(result, func(a, b *imapsess.Folder) int {
		return strings.Compare(a.Name, b.Name)
	})

	return result, nil
}

func (s *Session) Create(folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("CREATE", folder); err != nil {
		return err
	}

	if _, exists := s.Mailboxes[folder]; exists {
		return fmt.Errorf("mock: mailbox %q already exists", folder)
	}

	s.Mailboxes[folder] = &Mailbox{UIDValidity: 1, UIDNext: 1}

	return nil
}

func (s *Session) Subscribe(folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("SUBSCRIBE", folder); err != nil {
		return err
	}

	s.subscribed = append(s.subscribed, folder)

	return nil
}

// Idle blocks until [Session.Notify] is called, timeout expires, ctx is
// cancelled or the transport is closed.
func (s *Session) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	err := s.begin("IDLE")
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	select {
	case s.IdleStarted <- struct{}{}:
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.updates:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.closed:
		return false, ErrConnClosed
	}
}

func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.begin("LOGOUT")
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.calls = append(s.calls, "DISCONNECT")
	s.mu.Unlock()

	s.closeConn()

	return nil
}
