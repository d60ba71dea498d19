package retry

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/fho/mailsyncd/internal/log"
	"github.com/fho/mailsyncd/internal/testutils/assert"
)

func TestRun_SuccessOnFirstTry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				return nil
			},
			IsRetryable:         func(error) bool { return true },
			MaxRetriesSameError: 3,
			RetryIntervals:      []time.Duration{time.Second},
			Logger:              log.SlogTestLogger(t),
		}

		err := r.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRun_SuccessAfterRetries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		runErr := errors.New("error")
		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				if calls < 3 {
					return runErr
				}
				return nil
			},
			IsRetryable:         func(error) bool { return true },
			MaxRetriesSameError: 4,
			RetryIntervals:      []time.Duration{time.Second},
			Logger:              log.SlogTestLogger(t),
		}

		err := r.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})
}

func TestRun_NonRetryableError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		permanentErr := errors.New("permanent error")
		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				return permanentErr
			},
			IsRetryable:         func(error) bool { return false },
			MaxRetriesSameError: 5,
			RetryIntervals:      []time.Duration{time.Second},
			Logger:              log.SlogTestLogger(t),
		}

		err := r.Run(context.Background())
		assert.Error(t, err)
		assert.ErrorIs(t, err, permanentErr)
		assert.Equal(t, 1, calls)
	})
}

func TestRun_MaxRetriesExceeded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		sameErr := errors.New("same error")
		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				return &retryableError{err: sameErr}
			},
			IsRetryable:         func(error) bool { return true },
			MaxRetriesSameError: 3,
			RetryIntervals:      []time.Duration{time.Millisecond},
			Logger:              log.SlogTestLogger(t),
		}

		err := r.Run(context.Background())
		assert.Error(t, err)
		assert.ErrorIs(t, err, sameErr)
		assert.Equal(t, 3, calls)
	})
}

func TestRun_DifferentErrorsResetCounter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				// Return different errors, then succeed
				if calls <= 6 {
					return &retryableError{err: errors.New("error " + string(rune('a'+calls-1)))}
				}
				return nil
			},
			IsRetryable:         func(error) bool { return true },
			MaxRetriesSameError: 3,
			RetryIntervals:      []time.Duration{time.Millisecond},
			Logger:              log.SlogTestLogger(t),
		}

		err := r.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 7, calls)
	})
}

func TestRun_PauseTimes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		intervals := []time.Duration{
			1 * time.Millisecond,
			2 * time.Millisecond,
			3 * time.Millisecond,
		}
		var sleepTimes []time.Duration
		calls := 0
		lastTime := time.Now()
		sameErr := errors.New("error")

		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				now := time.Now()
				if calls > 1 {
					sleepTimes = append(sleepTimes, now.Sub(lastTime))
				}
				lastTime = now
				if calls < 6 {
					return &retryableError{err: sameErr}
				}
				return nil
			},
			IsRetryable:         func(error) bool { return true },
			MaxRetriesSameError: 10,
			RetryIntervals:      intervals,
			Logger:              log.SlogTestLogger(t),
		}

		err := r.Run(context.Background())
		assert.NoError(t, err)

		expected := []time.Duration{
			1 * time.Millisecond,
			2 * time.Millisecond,
			3 * time.Millisecond,
			3 * time.Millisecond,
			3 * time.Millisecond,
		}
		assert.Equal(t, len(expected), len(sleepTimes))
		for i, exp := range expected {
			assert.Equal(t, exp, sleepTimes[i])
		}
	})
}

func TestRun_ContextCancelledDuringPause(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		calls := 0
		connErr := errors.New("connection refused")
		r := &Runner{
			Fn: func(context.Context) error {
				calls++
				return connErr
			},
			IsRetryable:         func(error) bool { return true },
			MaxRetriesSameError: 10,
			RetryIntervals:      []time.Duration{time.Minute},
		}

		errCh := make(chan error, 1)
		go func() { errCh <- r.Run(ctx) }()

		time.Sleep(90 * time.Second)
		cancel()

		err := <-errCh
		assert.ErrorIs(t, err, connErr)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, calls)
	})
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return "retryable: " + e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}
