package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fho/mailsyncd/internal/log"
	"github.com/fho/mailsyncd/internal/testutils/assert"
)

func openTestDB(t *testing.T) *DB {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), log.SlogTestLogger(t))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestRawConfig(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.GetRawConfig("imap.mailbox.INBOX")
	assert.NoError(t, err)
	assert.Equal(t, false, found)

	assert.NoError(t, db.SetRawConfig("imap.mailbox.INBOX", "1:5"))
	assert.NoError(t, db.SetRawConfig("imap.mailbox.INBOX", "1:7"))

	v, found, err := db.GetRawConfig("imap.mailbox.INBOX")
	assert.NoError(t, err)
	assert.Equal(t, true, found)
	assert.Equal(t, "1:7", v)

	assert.NoError(t, db.DeleteRawConfig("imap.mailbox.INBOX"))
	_, found, err = db.GetRawConfig("imap.mailbox.INBOX")
	assert.NoError(t, err)
	assert.Equal(t, false, found)
}

func TestDNSCache_OrderAndAge(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().Unix()
	const day = 24 * 3600

	assert.NoError(t, db.UpsertDNSCache(ctx, "imap.example.com", 993, "10.0.0.1:993", now-31*day))
	assert.NoError(t, db.UpsertDNSCache(ctx, "imap.example.com", 993, "10.0.0.2:993", now-2*day))
	assert.NoError(t, db.UpsertDNSCache(ctx, "imap.example.com", 993, "10.0.0.3:993", now-1*day))
	assert.NoError(t, db.UpsertDNSCache(ctx, "imap.example.com", 143, "10.0.0.4:143", now))
	assert.NoError(t, db.UpsertDNSCache(ctx, "other.example.com", 993, "10.0.0.5:993", now))

	addrs, err := db.LookupDNSCache(ctx, "imap.example.com", 993, now-30*day)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(addrs))
	assert.Equal(t, "10.0.0.3:993", addrs[0])
	assert.Equal(t, "10.0.0.2:993", addrs[1])

	// refreshing an old entry makes it the most recent one
	assert.NoError(t, db.UpsertDNSCache(ctx, "imap.example.com", 993, "10.0.0.1:993", now))
	addrs, err = db.LookupDNSCache(ctx, "imap.example.com", 993, now-30*day)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(addrs))
	assert.Equal(t, "10.0.0.1:993", addrs[0])
}

func TestPruneDNSCache(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	assert.NoError(t, db.UpsertDNSCache(ctx, "h", 993, "10.0.0.1:993", now.Add(-40*24*time.Hour).Unix()))
	assert.NoError(t, db.UpsertDNSCache(ctx, "h", 993, "10.0.0.2:993", now.Unix()))

	cnt, err := db.PruneDNSCache(ctx, now, 30*24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), cnt)

	addrs, err := db.LookupDNSCache(ctx, "h", 993, 0)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(addrs))
	assert.Equal(t, "10.0.0.2:993", addrs[0])
}

func TestMessages(t *testing.T) {
	db := openTestDB(t)

	_, err := db.MessageByRfc724Mid("unknown@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := db.InsertMessage(&Message{Rfc724Mid: "a@example.com", Subject: "hello"})
	assert.NoError(t, err)

	assert.NoError(t, db.UpdateServerUID("a@example.com", "INBOX", 12))
	assert.NoError(t, db.UpdateMoveState("a@example.com", 3))
	assert.NoError(t, db.MarkMessageSeen(id))

	m, err := db.MessageByID(id)
	assert.NoError(t, err)
	assert.Equal(t, "INBOX", m.ServerFolder)
	assert.Equal(t, uint32(12), m.ServerUID)
	assert.Equal(t, 3, m.MoveState)
	assert.Equal(t, true, m.Seen)
	assert.Equal(t, "hello", m.Subject)
}

func TestJobs(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	id1, err := db.AddJob(1, 10, now)
	assert.NoError(t, err)
	id2, err := db.AddJob(1, 11, now.Add(time.Second))
	assert.NoError(t, err)

	assert.NoError(t, db.IncJobTries(id1))

	jobs, err := db.Jobs(10)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(jobs))
	assert.Equal(t, id1, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Tries)
	assert.Equal(t, int64(11), jobs[1].MsgID)

	assert.NoError(t, db.DeleteJob(id2))
	jobs, err = db.Jobs(10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(jobs))
}
