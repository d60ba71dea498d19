package imapsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"syscall"
	"testing"

	"github.com/fho/mailsyncd/internal/testutils/assert"
	"github.com/fho/mailsyncd/internal/testutils/mock"
)

func TestMoveToSameFolderIsAlreadyDone(t *testing.T) {
	sess := mock.NewSession()
	env := newTestEnv(t, sess)

	res, uid := env.clt.Move(context.Background(), "INBOX", 5, "INBOX")
	assert.Equal(t, ResultAlreadyDone, res)
	assert.Equal(t, uint32(0), uid)
	assert.Equal(t, 0, env.dialer.dials())
	assert.Equal(t, 0, len(sess.Calls()))
}

func TestMove(t *testing.T) {
	sess := mock.NewSession()
	sess.Mailboxes["DeltaChat"] = &mock.Mailbox{UIDValidity: 1, UIDNext: 1}
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	res, _ := env.clt.Move(context.Background(), "INBOX", uid, "DeltaChat")
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, 1, sess.CallCount("MOVE"))
	assert.Equal(t, 0, sess.CallCount("COPY"))
	assert.Equal(t, true, sess.Message("INBOX", uid) == nil)
	assert.Equal(t, 1, len(sess.Mailboxes["DeltaChat"].Messages))
	assert.Equal(t, 1, env.events.count(EventImapMessageMoved))
}

func TestMoveFallsBackToCopyAndDelete(t *testing.T) {
	sess := mock.NewSession()
	sess.NoMove = true
	sess.Mailboxes["DeltaChat"] = &mock.Mailbox{UIDValidity: 1, UIDNext: 1}
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	res, destUID := env.clt.Move(context.Background(), "INBOX", uid, "DeltaChat")
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, uint32(0), destUID)
	assert.Equal(t, 1, sess.CallCount("COPY"))
	assert.Equal(t, 1, sess.CallCount("STORE"))
	assert.Equal(t, 1, len(sess.Mailboxes["DeltaChat"].Messages))

	// the message is only flagged, expunging happens on the next selection
	msg := sess.Message("INBOX", uid)
	assert.Equal(t, true, msg != nil)
	assert.Equal(t, true, slices.Contains(msg.Flags, `\Deleted`))
	assert.Equal(t, 0, sess.CallCount("CLOSE"))

	assert.Equal(t, ResultSuccess, env.clt.SetSeen(context.Background(), "DeltaChat", 1))

	calls := sess.Calls()
	closeIdx := slices.Index(calls, "CLOSE INBOX")
	selectIdx := slices.Index(calls, "SELECT DeltaChat")
	assert.NotEqual(t, -1, closeIdx)
	assert.Equal(t, true, closeIdx < selectIdx)
	assert.Equal(t, true, sess.Message("INBOX", uid) == nil)
}

func TestMoveFlaggingCopiedMessageFailsIsPermanent(t *testing.T) {
	sess := mock.NewSession()
	sess.NoMove = true
	sess.Mailboxes["DeltaChat"] = &mock.Mailbox{UIDValidity: 1, UIDNext: 1}
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	sess.SetErr("STORE", fmt.Errorf("write: %w", syscall.ECONNRESET))

	res, _ := env.clt.Move(context.Background(), "INBOX", uid, "DeltaChat")
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, true, env.clt.ShouldReconnect())
	assert.Equal(t, 1, sess.CallCount("COPY"))
	assert.Equal(t, 1, len(sess.Mailboxes["DeltaChat"].Messages))
	assert.Equal(t, 1, env.events.count(EventWarning))
	assert.Equal(t, 0, env.events.count(EventImapMessageMoved))

	msg := sess.Message("INBOX", uid)
	assert.Equal(t, true, msg != nil)
	assert.Equal(t, false, slices.Contains(msg.Flags, `\Deleted`))
}

func TestMoveCopyFailureIsPermanent(t *testing.T) {
	sess := mock.NewSession()
	sess.NoMove = true
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	res, _ := env.clt.Move(context.Background(), "INBOX", uid, "does-not-exist")
	assert.Equal(t, ResultFailed, res)
}

func TestMoveNetworkErrorIsTransient(t *testing.T) {
	sess := mock.NewSession()
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	sess.SetErr("MOVE", mock.ErrConnClosed)

	res, _ := env.clt.Move(context.Background(), "INBOX", uid, "Trash")
	assert.Equal(t, ResultRetryLater, res)
	assert.Equal(t, true, env.clt.ShouldReconnect())
	assert.Equal(t, 0, sess.CallCount("COPY"))
}

func TestOperationsRejectUIDZero(t *testing.T) {
	env := newConnectedTestEnv(t, mock.NewSession())

	assert.Equal(t, ResultFailed, env.clt.SetSeen(context.Background(), "INBOX", 0))

	res, _ := env.clt.DeleteMsg(context.Background(), "x@example.com", "INBOX", 0)
	assert.Equal(t, ResultFailed, res)

	res, _ = env.clt.Move(context.Background(), "INBOX", 0, "Trash")
	assert.Equal(t, ResultFailed, res)
}

func TestOperationsRetryLaterWhenNotConnected(t *testing.T) {
	env := newTestEnv(t, mock.NewSession())

	var reconnects int
	env.clt.reconnectFn = func(context.Context) bool {
		reconnects++
		return false
	}

	assert.Equal(t, ResultRetryLater, env.clt.SetSeen(context.Background(), "INBOX", 1))
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, 0, env.dialer.dials())
}

func TestOperationsReconnectWhenNotConnected(t *testing.T) {
	sess := mock.NewSession()
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newTestEnv(t, sess)

	env.clt.reconnectFn = func(ctx context.Context) bool {
		return env.clt.Connect(ctx, testLoginParams()) == nil
	}
	t.Cleanup(env.clt.Disconnect)

	assert.Equal(t, ResultSuccess, env.clt.SetSeen(context.Background(), "INBOX", uid))
	assert.Equal(t, true, slices.Contains(sess.Message("INBOX", uid).Flags, `\Seen`))
}

func TestOperationsRetryLaterOnSelectFailure(t *testing.T) {
	env := newConnectedTestEnv(t, mock.NewSession())

	assert.Equal(t, ResultRetryLater, env.clt.SetSeen(context.Background(), "does-not-exist", 1))
}

func TestSetSeenStoreErrorIsFinal(t *testing.T) {
	sess := mock.NewSession()
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	sess.SetErr("STORE", errors.New("NO flag can not be set"))
	assert.Equal(t, ResultSuccess, env.clt.SetSeen(context.Background(), "INBOX", uid))

	sess.SetErr("STORE", mock.ErrConnClosed)
	assert.Equal(t, ResultRetryLater, env.clt.SetSeen(context.Background(), "INBOX", uid))
	assert.Equal(t, true, env.clt.ShouldReconnect())
}

func TestAddFlagFinalizedWithPendingReconnect(t *testing.T) {
	sess := mock.NewSession()
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	assert.NoError(t, env.clt.selectFolder("INBOX"))
	env.clt.triggerReconnect()

	assert.Equal(t, false, env.clt.addFlagFinalized(uid, `\Seen`))
	assert.Equal(t, 0, sess.CallCount("STORE"))
}

func TestDeleteMsg(t *testing.T) {
	sess := mock.NewSession()
	uid := sess.Append("INBOX", "1@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	res, newUID := env.clt.DeleteMsg(context.Background(), "1@example.com", "INBOX", uid)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, uint32(0), newUID)
	assert.Equal(t, true, slices.Contains(sess.Message("INBOX", uid).Flags, `\Deleted`))
	assert.Equal(t, 1, env.events.count(EventImapMessageDeleted))

	env.clt.cfgMu.RLock()
	needsExpunge := env.clt.cfg.selectedFolderNeedsExpunge
	env.clt.cfgMu.RUnlock()
	assert.Equal(t, true, needsExpunge)
}

func TestDeleteMsgWithDifferentMessageID(t *testing.T) {
	sess := mock.NewSession()
	uid := sess.Append("INBOX", "other@example.com", []byte("1"))
	env := newConnectedTestEnv(t, sess)

	res, _ := env.clt.DeleteMsg(context.Background(), "1@example.com", "INBOX", uid)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, true, slices.Contains(sess.Message("INBOX", uid).Flags, `\Deleted`))
}

func TestDeleteMsgNotFound(t *testing.T) {
	sess := mock.NewSession()
	env := newConnectedTestEnv(t, sess)

	res, _ := env.clt.DeleteMsg(context.Background(), "1@example.com", "INBOX", 17)
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, 0, sess.CallCount("STORE"))
	assert.Equal(t, 0, env.events.count(EventImapMessageDeleted))
}

func TestEmptyFolder(t *testing.T) {
	sess := mock.NewSession()
	sess.Mailboxes["Trash"] = &mock.Mailbox{UIDValidity: 1, UIDNext: 1}
	sess.Append("Trash", "1@example.com", []byte("1"))
	sess.Append("Trash", "2@example.com", []byte("2"))
	env := newConnectedTestEnv(t, sess)

	assert.NoError(t, env.clt.EmptyFolder(context.Background(), "Trash"))

	assert.Equal(t, 0, len(sess.Mailboxes["Trash"].Messages))
	assert.Equal(t, 1, sess.CallCount("STORE_ALL"))
	assert.Equal(t, 1, sess.CallCount("CLOSE"))
	assert.Equal(t, 1, env.events.count(EventImapFolderEmptied))

	// the folder is selected again by the next operation
	assert.NoError(t, env.clt.EmptyFolder(context.Background(), "Trash"))
	assert.Equal(t, 2, sess.CallCount("SELECT Trash"))
	assert.Equal(t, 1, sess.CallCount("STORE_ALL"))
}

func TestEmptyFolderNotConnected(t *testing.T) {
	env := newTestEnv(t, mock.NewSession())

	err := env.clt.EmptyFolder(context.Background(), "Trash")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, env.events.count(EventImapFolderEmptied))
}
