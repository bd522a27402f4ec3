package cron_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/cron"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
)

type fakeStore struct {
	mu sync.Mutex

	claimCalls   atomic.Int32
	reclaimCalls atomic.Int32

	claimFunc   func(ctx context.Context, limit int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error)
	reclaimFunc func(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

func (s *fakeStore) AddCronEntry(context.Context, *domain.CronEntry) error { return nil }

func (s *fakeStore) ClaimDueCronEntries(ctx context.Context, limit int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error) {
	s.claimCalls.Add(1)
	if s.claimFunc != nil {
		return s.claimFunc(ctx, limit, computeNext)
	}
	return nil, nil
}

func (s *fakeStore) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	s.reclaimCalls.Add(1)
	if s.reclaimFunc != nil {
		return s.reclaimFunc(ctx, cutoff, limit)
	}
	return 0, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRun_FiresBothTicksIndependently(t *testing.T) {
	store := &fakeStore{}
	s := cron.New(store, cron.Config{
		EnqueueInterval: 5 * time.Millisecond,
		ReclaimInterval: 5 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		return store.claimCalls.Load() > 0 && store.reclaimCalls.Load() > 0
	})
	cancel()
	<-done
}

func TestComputeNext_SkipPolicy_JumpsPastMissedOccurrences(t *testing.T) {
	store := &fakeStore{}
	var captured func(*domain.CronEntry) time.Time
	store.claimFunc = func(_ context.Context, _ int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error) {
		captured = computeNext
		return nil, nil
	}

	s := cron.New(store, cron.Config{
		EnqueueInterval: time.Hour,
		ReclaimInterval: time.Hour,
		CatchUpDefault:  false,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	waitFor(t, time.Second, func() bool { return store.claimCalls.Load() > 0 })
	cancel()

	if captured == nil {
		t.Fatal("ClaimDueCronEntries was never invoked with a computeNext func")
	}

	// "every minute", last fired 3 hours ago: skip policy must land in the future.
	entry := &domain.CronEntry{
		Identifier: "e1",
		Schedule:   "* * * * *",
		NextRunAt:  time.Now().Add(-3 * time.Hour),
	}
	next := captured(entry)
	if !next.After(time.Now()) {
		t.Errorf("skip-policy computeNext returned %v, want a time after now", next)
	}
}

func TestComputeNext_CatchUpOverride_FiresNextSequentialOccurrenceEvenIfPast(t *testing.T) {
	store := &fakeStore{}
	var captured func(*domain.CronEntry) time.Time
	store.claimFunc = func(_ context.Context, _ int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error) {
		captured = computeNext
		return nil, nil
	}

	s := cron.New(store, cron.Config{
		EnqueueInterval: time.Hour,
		ReclaimInterval: time.Hour,
		CatchUpDefault:  false,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	waitFor(t, time.Second, func() bool { return store.claimCalls.Load() > 0 })
	cancel()

	catchUp := true
	lastRun := time.Now().Add(-3 * time.Hour)
	entry := &domain.CronEntry{
		Identifier: "e2",
		Schedule:   "* * * * *",
		NextRunAt:  lastRun,
		CatchUp:    &catchUp,
	}
	next := captured(entry)
	if next.After(time.Now()) {
		t.Errorf("catch-up override should return the immediate next sequential occurrence (%v), not skip to after now", next)
	}
	if !next.After(lastRun) {
		t.Errorf("next %v must be strictly after the entry's last run %v", next, lastRun)
	}
}

func TestReclaimTick_UsesLostJobThresholdAsCutoff(t *testing.T) {
	store := &fakeStore{}
	var capturedCutoff time.Time
	store.reclaimFunc = func(_ context.Context, cutoff time.Time, _ int) (int, error) {
		capturedCutoff = cutoff
		return 2, nil
	}

	threshold := 10 * time.Minute
	s := cron.New(store, cron.Config{
		EnqueueInterval:  time.Hour,
		ReclaimInterval:  5 * time.Millisecond,
		LostJobThreshold: threshold,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	waitFor(t, time.Second, func() bool { return store.reclaimCalls.Load() > 0 })
	cancel()

	wantCutoff := time.Now().Add(-threshold)
	if capturedCutoff.After(wantCutoff.Add(time.Second)) || capturedCutoff.Before(wantCutoff.Add(-time.Second)) {
		t.Errorf("cutoff = %v, want close to %v", capturedCutoff, wantCutoff)
	}
}
