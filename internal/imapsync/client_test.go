package imapsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/fho/mailsyncd/internal/testutils/assert"
	"github.com/fho/mailsyncd/internal/testutils/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConnectTwiceDoesNotReauthenticate(t *testing.T) {
	sess := mock.NewSession()
	env := newConnectedTestEnv(t, sess)

	assert.NoError(t, env.clt.Connect(context.Background(), testLoginParams()))
	assert.Equal(t, true, env.clt.IsConnected())
	assert.Equal(t, 1, env.dialer.dials())
	assert.Equal(t, 1, sess.CallCount("LOGIN"))
	assert.Equal(t, 1, env.events.count(EventImapConnected))
	assert.Equal(t, true, env.clt.canIdle())
}

func TestConnectRejectsMissingParams(t *testing.T) {
	env := newTestEnv(t, mock.NewSession())

	for _, p := range []*LoginParams{
		nil,
		{User: "u", Password: "p"},
		{Server: "s", Password: "p"},
		{Server: "s", User: "u"},
	} {
		err := env.clt.Connect(context.Background(), p)
		assert.ErrorIs(t, err, ErrMissingLoginParams)
	}

	assert.Equal(t, 0, env.dialer.dials())
}

func TestFailedConnectClearsParams(t *testing.T) {
	sess := mock.NewSession()
	sess.SetErr("LOGIN", errors.New("authentication failed"))
	env := newTestEnv(t, sess)

	err := env.clt.Connect(context.Background(), testLoginParams())
	assert.Error(t, err)
	assert.Equal(t, false, env.clt.IsConnected())
	assert.Equal(t, true, sess.IsClosed())
	assert.Equal(t, 1, env.events.count(EventErrorNetwork))

	env.clt.cfgMu.RLock()
	params := env.clt.cfg.params
	env.clt.cfgMu.RUnlock()
	assert.Equal(t, true, params == nil)

	// reconnecting without new params does not dial
	err = env.clt.setupHandleIfNeeded(context.Background())
	assert.ErrorIs(t, err, ErrMissingLoginParams)
	assert.Equal(t, 1, env.dialer.dials())

	// a retried connect starts clean
	assert.NoError(t, env.clt.Connect(context.Background(), testLoginParams()))
	assert.Equal(t, true, env.clt.IsConnected())
	env.clt.Disconnect()
}

func TestConnectWithOAuth2(t *testing.T) {
	sess := mock.NewSession()
	env := newTestEnv(t, sess)
	env.clt.tokens = tokenSourceFunc(func(_ context.Context, addr, credential string) (string, error) {
		assert.Equal(t, "user@example.com", addr)
		assert.Equal(t, "secret", credential)
		return "token", nil
	})

	params := testLoginParams()
	params.ServerFlags = FlagAuthOAuth2 | FlagSocketSSL

	assert.NoError(t, env.clt.Connect(context.Background(), params))
	t.Cleanup(env.clt.Disconnect)

	assert.Equal(t, 1, sess.CallCount("AUTHENTICATE"))
	assert.Equal(t, 0, sess.CallCount("LOGIN"))
}

type tokenSourceFunc func(ctx context.Context, addr, credential string) (string, error)

func (f tokenSourceFunc) Token(ctx context.Context, addr, credential string) (string, error) {
	return f(ctx, addr, credential)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	sess := mock.NewSession()
	env := newConnectedTestEnv(t, sess)

	env.clt.Disconnect()
	env.clt.Disconnect()

	assert.Equal(t, false, env.clt.IsConnected())
	assert.Equal(t, true, sess.IsClosed())

	err := env.clt.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSetupHandleReconnectsWhenFlagged(t *testing.T) {
	sess := mock.NewSession()
	env := newConnectedTestEnv(t, sess)

	assert.NoError(t, env.clt.setupHandleIfNeeded(context.Background()))
	assert.Equal(t, 1, env.dialer.dials())

	env.clt.triggerReconnect()
	assert.NoError(t, env.clt.setupHandleIfNeeded(context.Background()))

	assert.Equal(t, 2, env.dialer.dials())
	assert.Equal(t, true, sess.IsClosed())
	assert.Equal(t, false, env.clt.ShouldReconnect())
	assert.Equal(t, true, env.clt.IsConnected())
}

func TestConcurrentSetupHandleDialsOnce(t *testing.T) {
	env := newTestEnv(t, mock.NewSession())
	env.clt.cfg.params = testLoginParams()
	t.Cleanup(env.clt.Disconnect)

	const workers = 16

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = env.clt.setupHandleIfNeeded(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, env.dialer.dials())
	assert.Equal(t, 1, env.sess.CallCount("LOGIN"))
	assert.Equal(t, false, env.sess.IsClosed())
	assert.Equal(t, true, env.clt.IsConnected())
}

func TestFetchRequiresWatchFolder(t *testing.T) {
	env := newConnectedTestEnv(t, mock.NewSession())
	env.clt.SetWatchFolder("")

	err := env.clt.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoWatchFolder)
}
