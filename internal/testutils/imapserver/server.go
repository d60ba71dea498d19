package imapserver

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

type Server struct {
	UserName   string
	UserPasswd string
	ListenAddr string
	Host       string
	Port       uint16

	InboxMailbox string
	SentMailbox  string
	TrashMailbox string

	srv *imapserver.Server
	ch  chan error
}

// StartServer starts an in-memory IMAP server listening on a random port of
// the loopback interface. The server is stopped when the test finishes.
func StartServer(t *testing.T) *Server {
	srv := Server{
		UserName:     "user",
		UserPasswd:   "none",
		ch:           make(chan error, 2),
		InboxMailbox: "INBOX",
		SentMailbox:  "Sent",
		TrashMailbox: "Trash",
	}

	user := imapmemserver.NewUser(srv.UserName, srv.UserPasswd)
	createMailbox(t, user, srv.InboxMailbox)
	createMailbox(t, user, srv.SentMailbox)
	createMailbox(t, user, srv.TrashMailbox)

	msrv := imapmemserver.New()
	msrv.AddUser(user)

	srv.srv = imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return msrv.NewSession(), nil, nil
		},
		Logger:       testLoggerAsImapServerLogger(t),
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening failed: %s", err)
	}

	addr := ln.Addr().(*net.TCPAddr)
	srv.ListenAddr = addr.String()
	srv.Host = addr.IP.String()
	srv.Port = uint16(addr.Port)

	t.Cleanup(func() { _ = srv.Close() })
	go func() {
		err := srv.srv.Serve(ln)
		srv.ch <- err
		close(srv.ch)
	}()

	return &srv
}

func createMailbox(t *testing.T, user *imapmemserver.User, mailboxName string) {
	if err := user.Create(mailboxName, nil); err != nil {
		t.Fatalf("creating %s mailbox failed: %s", mailboxName, err)
	}
}

func (s *Server) Close() error {
	err := s.srv.Close()

	for chErr := range s.ch {
		if errors.Is(chErr, net.ErrClosed) {
			continue
		}
		err = errors.Join(err, chErr)
	}
	return err
}

// NewClient returns a client that is logged in at the server.
func (s *Server) NewClient(t *testing.T) *imapclient.Client {
	clt, err := imapclient.DialInsecure(s.ListenAddr, nil)
	if err != nil {
		t.Fatalf("connecting to imap server failed: %s", err)
	}
	t.Cleanup(func() { _ = clt.Close() })

	if err := clt.Login(s.UserName, s.UserPasswd).Wait(); err != nil {
		t.Fatalf("login failed: %s", err)
	}

	return clt
}

// Append uploads msg to mailbox and returns its UID.
func (s *Server) Append(t *testing.T, mailbox string, msg []byte, flags ...imap.Flag) uint32 {
	clt := s.NewClient(t)

	appendCmd := clt.Append(mailbox, int64(len(msg)), &imap.AppendOptions{
		Time:  time.Now(),
		Flags: flags,
	})

	if _, err := appendCmd.Write(msg); err != nil {
		t.Fatalf("uploading mail to imap mailbox failed: %s", err)
	}

	if err := appendCmd.Close(); err != nil {
		t.Fatalf("closing append command failed: %s", err)
	}

	d, err := appendCmd.Wait()
	if err != nil {
		t.Fatalf("waiting for append to finish failed: %s", err)
	}

	_ = clt.Logout().Wait()

	return uint32(d.UID)
}

// Messages returns the UIDs and flags of all messages in mailbox.
func (s *Server) Messages(t *testing.T, mailbox string) map[uint32][]imap.Flag {
	clt := s.NewClient(t)

	d, err := clt.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		t.Fatalf("selecting %s failed: %s", mailbox, err)
	}

	result := map[uint32][]imap.Flag{}
	if d.NumMessages == 0 {
		return result
	}

	var all imap.SeqSet
	all.AddRange(1, 0)

	msgs, err := clt.Fetch(all, &imap.FetchOptions{UID: true, Flags: true}).Collect()
	if err != nil {
		t.Fatalf("fetching messages of %s failed: %s", mailbox, err)
	}

	for _, msg := range msgs {
		result[uint32(msg.UID)] = msg.Flags
	}

	_ = clt.Logout().Wait()

	return result
}

// HasMessageBody returns true if mailbox contains a message with body.
func (s *Server) HasMessageBody(t *testing.T, mailbox string, body []byte) bool {
	clt := s.NewClient(t)

	if _, err := clt.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		t.Fatalf("selecting %s failed: %s", mailbox, err)
	}

	var all imap.SeqSet
	all.AddRange(1, 0)

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := clt.Fetch(all, &imap.FetchOptions{BodySection: []*imap.FetchItemBodySection{section}}).Collect()
	if err != nil {
		return false
	}

	for _, msg := range msgs {
		if bytes.Equal(msg.FindBodySection(section), body) {
			return true
		}
	}

	return false
}
