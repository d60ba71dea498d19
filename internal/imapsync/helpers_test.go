package imapsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/fho/mailsyncd/internal/imapsess"
	"github.com/fho/mailsyncd/internal/log"
	"github.com/fho/mailsyncd/internal/testutils/assert"
	"github.com/fho/mailsyncd/internal/testutils/mock"
)

type memStore struct {
	mu sync.Mutex
	kv map[string]string

	// getErr is returned by the next failGets reads.
	getErr   error
	failGets int
	// setErr is returned by all writes while it is set.
	setErr error
}

func newMemStore() *memStore {
	return &memStore{kv: map[string]string{}}
}

func (s *memStore) GetRawConfig(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failGets > 0 {
		s.failGets--
		return "", false, s.getErr
	}

	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *memStore) SetRawConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}

	s.kv[key] = value
	return nil
}

func (s *memStore) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.kv[key]
}

type ingested struct {
	folder string
	uid    uint32
	seen   bool
	body   string
}

type fakeIngester struct {
	mu   sync.Mutex
	msgs []ingested
}

func (i *fakeIngester) Ingest(_ context.Context, body []byte, folder string, uid uint32, flags IngestFlags) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.msgs = append(i.msgs, ingested{folder: folder, uid: uid, seen: flags.Seen, body: string(body)})
	return nil
}

func (i *fakeIngester) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return len(i.msgs)
}

type fakeLookup struct {
	mu         sync.Mutex
	known      map[string]*KnownMessage
	moveStates map[string]MoveState
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		known:      map[string]*KnownMessage{},
		moveStates: map[string]MoveState{},
	}
}

func (l *fakeLookup) LookupMessageID(mid string) (*KnownMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.known[mid]
	if !ok {
		return nil, nil
	}

	cp := *m
	return &cp, nil
}

func (l *fakeLookup) UpdateServerUID(mid, folder string, uid uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.known[mid]
	if !ok {
		return errors.New("unknown message")
	}
	m.Folder = folder
	m.UID = uid

	return nil
}

func (l *fakeLookup) UpdateMoveState(mid string, state MoveState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.moveStates[mid] = state
	return nil
}

type job struct {
	action Action
	msgID  int64
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []job
}

func (j *fakeJobs) AddJob(action Action, msgID int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jobs = append(j.jobs, job{action: action, msgID: msgID})
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cnt int
	for _, ev := range r.events {
		if ev.Type == typ {
			cnt++
		}
	}

	return cnt
}

// fakeDialer returns the sessions created by NewSession.
type fakeDialer struct {
	mu         sync.Mutex
	NewSession func() *mock.Session
	Err        error
	sessions   []*mock.Session
}

func (d *fakeDialer) Dial(context.Context, *LoginParams) (imapsess.Session, io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, nil, d.Err
	}

	sess := d.NewSession()
	d.sessions = append(d.sessions, sess)

	return sess, sess.Transport(), nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.sessions)
}

func (d *fakeDialer) last() *mock.Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sessions[len(d.sessions)-1]
}

type testEnv struct {
	clt      *Client
	dialer   *fakeDialer
	sess     *mock.Session
	store    *memStore
	ingester *fakeIngester
	lookup   *fakeLookup
	jobs     *fakeJobs
	events   *eventRecorder
}

func testLoginParams() *LoginParams {
	return &LoginParams{
		Addr:     "user@example.com",
		Server:   "imap.example.com",
		Port:     993,
		User:     "user",
		Password: "secret",
	}
}

// newTestEnv creates a client whose dialer returns sess on the first dial
// and new empty sessions afterwards.
func newTestEnv(t *testing.T, sess *mock.Session) *testEnv {
	env := testEnv{
		sess:     sess,
		store:    newMemStore(),
		ingester: &fakeIngester{},
		lookup:   newFakeLookup(),
		jobs:     &fakeJobs{},
		events:   &eventRecorder{},
	}

	first := true
	env.dialer = &fakeDialer{NewSession: func() *mock.Session {
		if first {
			first = false
			return sess
		}
		return mock.NewSession()
	}}

	env.clt = NewClient(&Config{
		Dialer:      env.dialer,
		Store:       env.store,
		Ingester:    env.ingester,
		Lookup:      env.lookup,
		Jobs:        env.jobs,
		Events:      env.events,
		WatchFolder: "INBOX",
		Logger:      log.SlogTestLogger(t),
	})

	return &env
}

func newConnectedTestEnv(t *testing.T, sess *mock.Session) *testEnv {
	env := newTestEnv(t, sess)
	assert.NoError(t, env.clt.Connect(context.Background(), testLoginParams()))
	t.Cleanup(env.clt.Disconnect)

	return env
}
