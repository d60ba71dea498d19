package imapsync

import (
	"context"
	"time"

	"github.com/fho/mailsyncd/internal/imapsess"
)

const (
	// IdleKeepalive is the max. duration of an IDLE command before it is
	// reissued. Most servers terminate IDLE commands after ~28min.
	IdleKeepalive = 23 * time.Minute

	fakeIdleShortInterval = 5 * time.Second
	fakeIdleLongInterval  = 60 * time.Second
	// fakeIdleShortPeriod is the duration after starting to wait, in
	// which the folder is polled in short intervals.
	fakeIdleShortPeriod = 3 * time.Minute
)

// IdleOutcome describes why [Client.Idle] returned.
type IdleOutcome int

const (
	// IdleData means the server reported changes in the watch folder.
	IdleData IdleOutcome = iota
	// IdleInterrupted means [Client.InterruptIdle] was called or the
	// context was cancelled.
	IdleInterrupted
	// IdleReconnect means the connection broke, it is reestablished by
	// the next operation.
	IdleReconnect
	// IdleFakeDone means polling found new messages or reconnected.
	IdleFakeDone
)

func (o IdleOutcome) String() string {
	switch o {
	case IdleData:
		return "data"
	case IdleInterrupted:
		return "interrupted"
	case IdleReconnect:
		return "reconnect"
	case IdleFakeDone:
		return "fake-done"
	default:
		return "unknown"
	}
}

// InterruptIdle wakes up a running or the next [Client.Idle] call.
// It never blocks. Multiple calls before Idle consumes the interrupt are
// coalesced.
func (c *Client) InterruptIdle() {
	select {
	case c.interruptCh <- struct{}{}:
	default:
	}
}

func (c *Client) drainInterrupt() {
	select {
	case <-c.interruptCh:
	default:
	}
}

// Idle waits until the server reports changes of the watch folder, the
// connection breaks, [Client.InterruptIdle] is called or ctx is cancelled.
//
// If the server does not support IDLE or the watch folder can not be
// selected, the folder is polled instead.
func (c *Client) Idle(ctx context.Context) IdleOutcome {
	if !c.canIdle() {
		return c.fakeIdle(ctx)
	}

	if err := c.setupHandleIfNeeded(ctx); err != nil {
		c.logger.Info("idle: connecting failed", "error", err)
		return c.fakeIdle(ctx)
	}

	// setupHandleIfNeeded might have reconnected to a server without IDLE
	// support
	if !c.canIdle() {
		return c.fakeIdle(ctx)
	}

	folder := c.watchFolder()
	if folder == "" {
		c.logger.Warn("idle: no watch folder set")
		return c.fakeIdle(ctx)
	}

	if err := c.selectFolder(folder); err != nil {
		c.logger.Warn("idle: selecting watch folder failed", lkFolder, folder, "error", err)
		return c.fakeIdle(ctx)
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	resultCh := make(chan error, 1)

	c.logger.Debug("idle: starting", lkFolder, folder, "event", "imap.idle_start")

	go func() {
		resultCh <- c.idleWorker(workerCtx)
	}()

	select {
	case err := <-resultCh:
		if ctx.Err() != nil {
			return IdleInterrupted
		}

		// the caller fetches anyways, an interrupt that raced with the
		// result is served by this return
		c.drainInterrupt()

		if err != nil {
			c.logger.Info("idle: failed, reconnecting soon", "error", err, "event", "imap.idle_failed")
			c.unsetupHandle()
			c.triggerReconnect()
			return IdleReconnect
		}

		c.logger.Info("idle: has data", lkFolder, folder, "event", "imap.idle_data")
		return IdleData

	case <-c.interruptCh:
		// the deferred cancelWorker stops the worker, it is not waited
		// for
		c.logger.Info("idle: interrupted", "event", "imap.idle_interrupted")
		return IdleInterrupted

	case <-ctx.Done():
		return IdleInterrupted
	}
}

// idleWorker runs IDLE commands until the server reports changes or an
// error happens. It holds the session lock while running.
// It returns nil when data arrived.
func (c *Client) idleWorker(ctx context.Context) error {
	return c.withSession(func(sess imapsess.Session) error {
		for {
			dataArrived, err := sess.Idle(ctx, IdleKeepalive)
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err != nil {
				return err
			}

			if dataArrived {
				return nil
			}

			c.logger.Debug("idle: keepalive expired, reissuing idle command")
		}
	})
}

// fakeIdle polls the watch folder until new messages are found, a
// reconnect succeeds or it is interrupted.
func (c *Client) fakeIdle(ctx context.Context) IdleOutcome {
	start := time.Now()
	waitLong := false

	c.logger.Info("fake-idling", "event", "imap.fake_idle_start")

	for {
		interval := fakeIdleShortInterval
		if waitLong || time.Since(start) >= fakeIdleShortPeriod {
			interval = fakeIdleLongInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-c.interruptCh:
			timer.Stop()
			c.logger.Info("fake-idle: interrupted", "event", "imap.idle_interrupted")
			return IdleInterrupted

		case <-ctx.Done():
			timer.Stop()
			return IdleInterrupted

		case <-timer.C:
		}

		if c.IsConnected() && c.ShouldReconnect() {
			if err := c.setupHandleIfNeeded(ctx); err != nil {
				c.logger.Info("fake-idle: reconnecting failed", "error", err)
				waitLong = true
				continue
			}
		}

		if !c.IsConnected() {
			if c.reconnect(ctx) {
				return IdleFakeDone
			}

			waitLong = true
			continue
		}

		folder := c.watchFolder()
		if folder == "" {
			continue
		}

		cnt, err := c.fetchFromSingleFolder(ctx, folder)
		if err != nil {
			c.logger.Debug("fake-idle: fetching failed", lkFolder, folder, "error", err)
		}

		if cnt > 0 {
			return IdleFakeDone
		}
	}
}
