// Package cron implements the Scheduler component of spec.md §4.3: a
// cron-enqueue tick that fires due CronEntry rows into new jobs, and a lost-
// job reclamation tick that releases claims abandoned by dead workers.
// Grounded on the teacher's scheduler.Dispatcher and scheduler.Reaper,
// merged into one ticker-driven type since both ticks share the same Store
// dependency and shutdown semantics.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Store is the subset of store.Store the Scheduler depends on.
type Store interface {
	AddCronEntry(ctx context.Context, e *domain.CronEntry) error
	ClaimDueCronEntries(ctx context.Context, limit int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error)
	ReclaimStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error)
}

// Config configures tick cadence and the lost-job threshold.
type Config struct {
	ID               string // defaults to "<hostname>-<pid>", used only for log correlation
	EnqueueInterval  time.Duration
	ReclaimInterval  time.Duration
	LostJobThreshold time.Duration
	CatchUpDefault   bool // spec.md §10: global default when a CronEntry.CatchUp override is nil
	BatchLimit       int
}

// Scheduler runs the two independent ticks described in spec.md §4.3.
type Scheduler struct {
	store            Store
	enqueueInterval  time.Duration
	reclaimInterval  time.Duration
	lostJobThreshold time.Duration
	catchUpDefault   bool
	batchLimit       int
	logger           *slog.Logger
}

func New(store Store, cfg Config, logger *slog.Logger) *Scheduler {
	enqueueInterval := cfg.EnqueueInterval
	if enqueueInterval == 0 {
		enqueueInterval = 15 * time.Second
	}
	reclaimInterval := cfg.ReclaimInterval
	if reclaimInterval == 0 {
		reclaimInterval = time.Minute
	}
	lostJobThreshold := cfg.LostJobThreshold
	if lostJobThreshold == 0 {
		lostJobThreshold = 10 * time.Minute
	}
	batchLimit := cfg.BatchLimit
	if batchLimit == 0 {
		batchLimit = 100
	}
	id := cfg.ID
	if id == "" {
		hostname, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return &Scheduler{
		store:            store,
		enqueueInterval:  enqueueInterval,
		reclaimInterval:  reclaimInterval,
		lostJobThreshold: lostJobThreshold,
		catchUpDefault:   cfg.CatchUpDefault,
		batchLimit:       batchLimit,
		logger:           logger.With("component", "scheduler", "scheduler_id", id),
	}
}

// Run starts both ticks and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	enqueueTicker := time.NewTicker(s.enqueueInterval)
	defer enqueueTicker.Stop()
	reclaimTicker := time.NewTicker(s.reclaimInterval)
	defer reclaimTicker.Stop()

	s.logger.Info("scheduler started", "enqueue_interval", s.enqueueInterval, "reclaim_interval", s.reclaimInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shut down")
			return
		case <-enqueueTicker.C:
			s.enqueueTick(ctx)
		case <-reclaimTicker.C:
			s.reclaimTick(ctx)
		}
	}
}

func (s *Scheduler) enqueueTick(ctx context.Context) {
	start := time.Now()
	fired, err := s.store.ClaimDueCronEntries(ctx, s.batchLimit, s.computeNext)
	metrics.SchedulerTickDuration.WithLabelValues("enqueue").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("enqueue tick failed", "error", err)
		return
	}
	if len(fired) > 0 {
		metrics.CronJobsEnqueuedTotal.Add(float64(len(fired)))
		s.logger.Info("cron tick fired jobs", "count", len(fired))
	}
}

// computeNext implements spec.md §4.3's catch-up-vs-skip policy: per-entry
// CatchUp overrides the global default; "skip" (the default) jumps straight
// to the next future occurrence rather than firing once per missed tick.
func (s *Scheduler) computeNext(e *domain.CronEntry) time.Time {
	sched, err := cron.ParseStandard(e.Schedule)
	if err != nil {
		s.logger.Error("invalid cron expression on entry, using 1h fallback", "identifier", e.Identifier, "schedule", e.Schedule, "error", err)
		return time.Now().Add(time.Hour)
	}

	catchUp := s.catchUpDefault
	if e.CatchUp != nil {
		catchUp = *e.CatchUp
	}

	next := sched.Next(e.NextRunAt)
	if catchUp {
		return next
	}

	now := time.Now()
	for next.Before(now) {
		next = sched.Next(next)
	}
	return next
}

func (s *Scheduler) reclaimTick(ctx context.Context) {
	start := time.Now()
	staleCutoff := time.Now().Add(-s.lostJobThreshold)
	released, err := s.store.ReclaimStale(ctx, staleCutoff, s.batchLimit)
	metrics.SchedulerTickDuration.WithLabelValues("reclaim").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("reclaim tick failed", "error", err)
		return
	}
	if released > 0 {
		metrics.ReclaimedJobsTotal.Add(float64(released))
		s.logger.Info("reclaimed stale jobs", "count", released)
	}
}
