package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fho/mailsyncd/internal/log"
)

// Runner calls Fn until it succeeds, fails with an error that is not
// retryable or failed MaxRetriesSameError times in a row with the same
// error.
type Runner struct {
	Fn                  func(context.Context) error
	IsRetryable         func(error) bool
	MaxRetriesSameError int
	RetryIntervals      []time.Duration
	Logger              *slog.Logger

	lastError error
	failures  int
}

// Run executes Fn. Between retries it pauses for the duration of the
// corresponding RetryIntervals element, the last element is used when the
// slice has less elements than failures occurred.
// If ctx is cancelled during a pause, the last error of Fn and the context
// error are returned.
func (r *Runner) Run(ctx context.Context) error {
	logger := log.EnsureLoggerInstance(r.Logger)

	for {
		err := r.Fn(ctx)
		if err == nil {
			return nil
		}

		r.failures++

		if !r.IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if errors.Is(err, r.lastError) {
			if r.failures >= r.MaxRetriesSameError {
				return fmt.Errorf("max. number of retries (%d) exceeded: %w", r.failures, err)
			}
		} else {
			r.failures = 1
		}

		r.lastError = errors.Unwrap(err)

		sleepTime := r.sleepTime()

		logger.Warn(
			"retryable error occurred, retrying after pause",
			"error", err,
			"failures", r.failures,
			"max_retries", r.MaxRetriesSameError,
			"pause", sleepTime,
		)

		timer := time.NewTimer(sleepTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
}

func (r *Runner) sleepTime() time.Duration {
	if r.failures-1 < len(r.RetryIntervals) {
		return r.RetryIntervals[r.failures-1]
	}

	return r.RetryIntervals[len(r.RetryIntervals)-1]
}
