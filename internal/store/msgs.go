package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Message is an entry of the message-id index.
// An empty ServerFolder and a ServerUID of 0 mean that the message was
// created locally and has not been seen on the server yet.
type Message struct {
	ID           int64
	Rfc724Mid    string
	ServerFolder string
	ServerUID    uint32
	MoveState    int
	Seen         bool
	Subject      string
	Sender       string
	Size         int64
	Path         string
	ReceivedAt   time.Time
}

type Job struct {
	ID     string
	Action int
	MsgID  int64
	Added  time.Time
	Tries  int
}

const msgColumns = `id, rfc724_mid, server_folder, server_uid, move_state, seen,
	subject, sender, size, path, received_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var receivedAt int64

	err := row.Scan(
		&m.ID, &m.Rfc724Mid, &m.ServerFolder, &m.ServerUID, &m.MoveState,
		&m.Seen, &m.Subject, &m.Sender, &m.Size, &m.Path, &receivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.ReceivedAt = time.Unix(receivedAt, 0)

	return &m, nil
}

// MessageByRfc724Mid returns the message with the given Message-ID header
// value. If it does not exist [ErrNotFound] is returned.
func (d *DB) MessageByRfc724Mid(mid string) (*Message, error) {
	m, err := scanMessage(d.db.QueryRow(
		"SELECT "+msgColumns+" FROM msgs WHERE rfc724_mid = ?", mid,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up message-id %q failed: %w", mid, err)
	}

	return m, err
}

// MessageByID returns the message with the given row id. If it does not
// exist [ErrNotFound] is returned.
func (d *DB) MessageByID(id int64) (*Message, error) {
	m, err := scanMessage(d.db.QueryRow(
		"SELECT "+msgColumns+" FROM msgs WHERE id = ?", id,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up message %d failed: %w", id, err)
	}

	return m, err
}

// InsertMessage adds m to the index and returns its row id.
func (d *DB) InsertMessage(m *Message) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO msgs (rfc724_mid, server_folder, server_uid, move_state,
			seen, subject, sender, size, path, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Rfc724Mid, m.ServerFolder, m.ServerUID, m.MoveState, m.Seen,
		m.Subject, m.Sender, m.Size, m.Path, m.ReceivedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message %q failed: %w", m.Rfc724Mid, err)
	}

	return res.LastInsertId()
}

// UpdateServerUID records the current server location of a message.
func (d *DB) UpdateServerUID(mid, folder string, uid uint32) error {
	_, err := d.db.Exec(
		"UPDATE msgs SET server_folder = ?, server_uid = ? WHERE rfc724_mid = ?",
		folder, uid, mid,
	)
	if err != nil {
		return fmt.Errorf("updating server uid of %q failed: %w", mid, err)
	}

	return nil
}

func (d *DB) UpdateMoveState(mid string, state int) error {
	_, err := d.db.Exec("UPDATE msgs SET move_state = ? WHERE rfc724_mid = ?", state, mid)
	if err != nil {
		return fmt.Errorf("updating move state of %q failed: %w", mid, err)
	}

	return nil
}

func (d *DB) MarkMessageSeen(id int64) error {
	_, err := d.db.Exec("UPDATE msgs SET seen = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking message %d as seen failed: %w", id, err)
	}

	return nil
}

// AddJob enqueues a job and returns its id.
func (d *DB) AddJob(action int, msgID int64, now time.Time) (string, error) {
	id := xid.NewWithTime(now).String()

	_, err := d.db.Exec(
		"INSERT INTO jobs (id, action, msg_id, added_timestamp) VALUES (?, ?, ?, ?)",
		id, action, msgID, now.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("adding job failed: %w", err)
	}

	d.logger.Debug("job added", "job.id", id, "job.action", action, "job.msg_id", msgID,
		"event", "store.job_added")

	return id, nil
}

// Jobs returns up to limit queued jobs, oldest first.
func (d *DB) Jobs(limit int) ([]*Job, error) {
	rows, err := d.db.Query(
		`SELECT id, action, msg_id, added_timestamp, tries FROM jobs
		 ORDER BY added_timestamp, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying jobs failed: %w", err)
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		var j Job
		var added int64
		if err := rows.Scan(&j.ID, &j.Action, &j.MsgID, &added, &j.Tries); err != nil {
			return nil, err
		}
		j.Added = time.Unix(added, 0)
		result = append(result, &j)
	}

	return result, rows.Err()
}

func (d *DB) DeleteJob(id string) error {
	_, err := d.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting job %s failed: %w", id, err)
	}

	return nil
}

func (d *DB) IncJobTries(id string) error {
	_, err := d.db.Exec("UPDATE jobs SET tries = tries + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("updating job %s failed: %w", id, err)
	}

	return nil
}
