package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// Listen holds a dedicated connection (not returned to the pool while
// listening) on the jobs:insert channel and invokes onNotify for every
// notification received. On connection error it reconnects with bounded
// exponential backoff, re-issues LISTEN, and keeps going until ctx is
// cancelled — grounded on the LISTEN/NOTIFY acquire-and-loop idiom used
// across the retrieval pack's postgres coordinators, adapted to pgxpool's
// Acquire/Release.
func (s *PostgresStore) Listen(ctx context.Context, onNotify func()) error {
	attempt := 0
	for {
		err := s.listenOnce(ctx, onNotify)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		wait := backoffDelay(attempt)
		s.logger.Warn("listen connection lost, reconnecting", "error", err, "wait", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context, onNotify func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN "jobs:insert"`); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `UNLISTEN "jobs:insert"`)
	}()

	s.logger.Info("listening for jobs:insert notifications")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		_ = notification // payload is unused; the channel name itself is the wakeup signal
		onNotify()
	}
}

// backoffDelay is a bounded exponential backoff used only for reconnecting
// the LISTEN connection; unrelated to job retry backoff.
func backoffDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	max := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	return d
}
