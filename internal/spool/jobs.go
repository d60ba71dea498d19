package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fho/mailsyncd/internal/imapsync"
	"github.com/fho/mailsyncd/internal/log"
	"github.com/fho/mailsyncd/internal/store"
)

// MaxJobTries is the number of times a job is run before it is dropped.
const MaxJobTries = 5

const jobBatchSize = 100

// MessageOps are the IMAP operations jobs are executed with.
type MessageOps interface {
	SetSeen(ctx context.Context, folder string, uid uint32) imapsync.Result
}

// Jobs is a persistent job queue.
type Jobs struct {
	db     *store.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ imapsync.JobQueue = (*Jobs)(nil)

func NewJobs(db *store.DB, logger *slog.Logger) *Jobs {
	return &Jobs{
		db:     db,
		logger: log.SloggerWithGroup(logger, "jobs"),
		now:    time.Now,
	}
}

func (j *Jobs) AddJob(action imapsync.Action, msgID int64) error {
	_, err := j.db.AddJob(int(action), msgID, j.now())
	return err
}

// RunPending executes the queued jobs once, oldest first.
// Jobs that should be retried stay in the queue until they were tried
// [MaxJobTries] times.
// It returns the number of jobs that remain queued for a retry.
func (j *Jobs) RunPending(ctx context.Context, ops MessageOps) (int, error) {
	jobs, err := j.db.Jobs(jobBatchSize)
	if err != nil {
		return 0, err
	}

	var retry int
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return retry, err
		}

		logger := j.logger.With("job.id", job.ID, "job.action", job.Action, "job.msg_id", job.MsgID)

		res, err := j.run(ctx, ops, job)
		if err != nil {
			logger.Warn("running job failed", "error", err)
			res = imapsync.ResultFailed
		}

		logger.Debug("job finished", "job.result", res, "job.tries", job.Tries+1)

		if res == imapsync.ResultRetryLater && job.Tries+1 < MaxJobTries {
			if err := j.db.IncJobTries(job.ID); err != nil {
				return retry, err
			}
			retry++
			continue
		}

		if res == imapsync.ResultRetryLater {
			logger.Warn("dropping job, max. tries exceeded", "event", "spool.job_dropped")
		}

		if err := j.db.DeleteJob(job.ID); err != nil {
			return retry, err
		}
	}

	return retry, nil
}

func (j *Jobs) run(ctx context.Context, ops MessageOps, job *store.Job) (imapsync.Result, error) {
	switch imapsync.Action(job.Action) {
	case imapsync.ActionMarkseenMsgOnImap:
		msg, err := j.db.MessageByID(job.MsgID)
		if errors.Is(err, store.ErrNotFound) {
			return imapsync.ResultFailed, nil
		}
		if err != nil {
			return imapsync.ResultFailed, err
		}

		res := ops.SetSeen(ctx, msg.ServerFolder, msg.ServerUID)
		if res == imapsync.ResultSuccess || res == imapsync.ResultAlreadyDone {
			if err := j.db.MarkMessageSeen(msg.ID); err != nil {
				return res, err
			}
		}

		return res, nil

	default:
		return imapsync.ResultFailed, fmt.Errorf("unsupported job action: %d", job.Action)
	}
}
