// Package store adapts the jobs/cron_entries tables into the typed surface
// the Worker, Scheduler, and Callback Server depend on. It never mutates
// local state on a partial failure: if GetJob fails between select and
// lock, no job is returned to the caller.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
)

// AddJobInput carries the optional fields accepted by AddJob.
type AddJobInput struct {
	MaxAttempts int
	RunAt       time.Time
	Priority    int
}

// Store is the typed, minimal API over the externally-supplied SQL schema
// described in spec.md §4.1. All methods are safe for concurrent use.
type Store interface {
	// AddJob inserts a new job row and triggers the jobs:insert
	// notification. Fails with domain.ErrStoreUnavailable on connection/IO
	// failures.
	AddJob(ctx context.Context, databaseID, taskIdentifier string, payload json.RawMessage, in AddJobInput) (string, error)

	// GetJob atomically selects and locks the next eligible job among rows
	// with attempts < max_attempts (invariant 6). supportedTasks nil means
	// "support-any" — any task_identifier is eligible. Returns (nil, nil)
	// when nothing is eligible; never blocks.
	GetJob(ctx context.Context, workerID string, supportedTasks []string) (*domain.Job, error)

	// CompleteJob deletes the row. Returns domain.ErrJobNotFound if it is no
	// longer locked by workerID (already completed, reclaimed, or never
	// existed).
	CompleteJob(ctx context.Context, workerID, jobID string) error

	// FailJob increments attempts, records message, clears the claim, and
	// sets run_at to now()+backoff(attempts) — or far in the future once
	// attempts reaches max_attempts, so the job is never reclaimed again
	// (invariant 6). Returns domain.ErrJobNotFound if no longer locked by
	// workerID.
	FailJob(ctx context.Context, workerID, jobID, message string) error

	// ReleaseJobs clears every claim held by workerID without touching
	// attempts. Returns the number of rows released.
	ReleaseJobs(ctx context.Context, workerID string) (int, error)

	// Listen holds a dedicated connection on the jobs:insert channel and
	// invokes onNotify on every notification, until ctx is cancelled.
	Listen(ctx context.Context, onNotify func()) error

	// CreateAttempt opens an audit row for one dispatch attempt.
	CreateAttempt(ctx context.Context, jobID, workerID string, attemptNum int) (string, error)

	// CompleteAttempt closes an open attempt with its outcome.
	CompleteAttempt(ctx context.Context, attemptID string, statusCode *int, errMsg *string, dur time.Duration) error

	// ListAttempts returns every attempt for a job, oldest first.
	ListAttempts(ctx context.Context, jobID string) ([]*domain.JobAttempt, error)

	// GetJobByID reads a job's current row without claiming it, for
	// introspection. Returns domain.ErrJobNotFound if absent.
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)

	// ListCronEntries returns every registered cron entry, ordered by
	// identifier.
	ListCronEntries(ctx context.Context) ([]*domain.CronEntry, error)

	// AddCronEntry registers a new cron prototype.
	AddCronEntry(ctx context.Context, e *domain.CronEntry) error

	// ClaimDueCronEntries atomically claims entries whose next_run_at has
	// arrived, enqueues a job per entry, and advances next_run_at using
	// computeNext. Safe under concurrent schedulers (FOR UPDATE SKIP LOCKED).
	ClaimDueCronEntries(ctx context.Context, limit int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error)

	// ReclaimStale releases claims whose locked_at is older than staleCutoff,
	// regardless of locked_by, up to limit rows. Returns the count released.
	ReclaimStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error)

	// Close releases all resources held by the store.
	Close()
}
