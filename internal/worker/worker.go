// Package worker implements the claim -> dispatch -> record loop described
// in spec.md §4.2, generalized from the teacher's scheduler.Worker
// (ticker-driven batch claim) to a single-claim loop that wakes promptly on
// a jobs:insert notification and otherwise polls on an idle interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/metrics"
)

// State is the Worker's lifecycle state (spec.md §4.2).
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Store is the subset of store.Store a Worker depends on.
type Store interface {
	GetJob(ctx context.Context, workerID string, supportedTasks []string) (*domain.Job, error)
	CompleteJob(ctx context.Context, workerID, jobID string) error
	FailJob(ctx context.Context, workerID, jobID, message string) error
	ReleaseJobs(ctx context.Context, workerID string) (int, error)
	CreateAttempt(ctx context.Context, jobID, workerID string, attemptNum int) (string, error)
	CompleteAttempt(ctx context.Context, attemptID string, statusCode *int, errMsg *string, dur time.Duration) error
}

// Dispatcher is the subset of dispatch.Client a Worker depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job, workerID string) error
}

// Notifier is the subset of notify.Notifier a Worker depends on.
type Notifier interface {
	Alert(ctx context.Context, component string, err error) error
}

// Config configures a single Worker instance.
type Config struct {
	ID             string // defaults to "<hostname>-<pid>"
	SupportedTasks []string
	SupportAny     bool
	IdleDelay      time.Duration
	DrainTimeout   time.Duration
	Notifier       Notifier                           // optional; alerted before shutting down on an unrecoverable store error
	FatalFunc      func(component string, err error) // called on an unrecoverable store error in place of the default Notifier alert + os.Exit
}

// Worker runs a continuous claim loop for one identity. Parallelism across
// jobs comes from running multiple Workers with distinct IDs (spec.md
// §4.2), not from fanning out within one Worker.
type Worker struct {
	id             string
	store          Store
	dispatch       Dispatcher
	supportedTasks []string
	supportAny     bool
	idleDelay      time.Duration
	drainTimeout   time.Duration
	fatal          func(component string, err error)
	logger         *slog.Logger

	state atomic.Int32
	wake  chan struct{}
}

// New constructs a Worker. If cfg.ID is empty, it derives one from hostname
// and pid, as the teacher's scheduler.NewWorker does.
func New(store Store, dispatchClient Dispatcher, cfg Config, logger *slog.Logger) *Worker {
	id := cfg.ID
	if id == "" {
		hostname, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	idleDelay := cfg.IdleDelay
	if idleDelay == 0 {
		idleDelay = 15 * time.Second
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = 30 * time.Second
	}
	fatal := cfg.FatalFunc
	if fatal == nil {
		notifier := cfg.Notifier
		fatal = func(component string, err error) {
			logger.Error("fatal error, exiting", "component", component, "error", err)
			if notifier != nil {
				alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if alertErr := notifier.Alert(alertCtx, component, err); alertErr != nil {
					logger.Error("operator alert failed", "error", alertErr)
				}
			}
			os.Exit(1)
		}
	}

	w := &Worker{
		id:             id,
		store:          store,
		dispatch:       dispatchClient,
		supportedTasks: cfg.SupportedTasks,
		supportAny:     cfg.SupportAny,
		idleDelay:      idleDelay,
		drainTimeout:   drainTimeout,
		fatal:          fatal,
		logger:         logger.With("component", "worker", "worker_id", id),
		wake:           make(chan struct{}, 1),
	}
	return w
}

// ID returns this Worker's identity string, used as locked_by.
func (w *Worker) ID() string { return w.id }

// State returns the Worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Notify wakes the idle-waiting claim loop promptly; the Supervisor calls
// this from Store.Listen's onNotify callback.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run recovers claims left by a previous crashed instance sharing this
// worker's id, then loops claim->dispatch->record until ctx is cancelled.
// It blocks until the loop has fully drained and stopped.
func (w *Worker) Run(ctx context.Context) {
	w.state.Store(int32(StateInitializing))

	if _, err := w.store.ReleaseJobs(ctx, w.id); err != nil {
		w.logger.Warn("startup release failed", "error", err)
	}

	w.state.Store(int32(StateRunning))
	w.logger.Info("worker started", "idle_delay", w.idleDelay, "support_any", w.supportAny)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		default:
		}

		claimed := w.claimAndProcessOne(ctx)
		if claimed {
			continue // immediately try for another; don't wait on an empty pool
		}

		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.wake:
		case <-time.After(w.idleDelay):
		}
	}
}

// drain stops claiming new jobs and releases any claim this worker still
// holds, so an in-flight job without an arrived callback returns to the
// pool (spec.md §5, Cancellation / Worker drain).
func (w *Worker) drain() {
	w.state.Store(int32(StateDraining))

	drainCtx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	if _, err := w.store.ReleaseJobs(drainCtx, w.id); err != nil {
		w.logger.Error("drain release failed", "error", err)
	}

	w.state.Store(int32(StateStopped))
	w.logger.Info("worker stopped")
}

// claimAndProcessOne claims at most one job and fully records its outcome.
// Returns true if a job was claimed (regardless of outcome), so the caller
// can immediately retry the claim without waiting on idleDelay.
func (w *Worker) claimAndProcessOne(ctx context.Context) bool {
	var supported []string
	if w.supportAny {
		supported = nil // nil tells GetJob "support-any"
	} else if len(w.supportedTasks) == 0 {
		// An empty allow-list means disabled (spec.md §10 config table), not
		// "support-any" — GetJob treats a nil/empty slice as unrestricted, so
		// this worker must not call it at all until configured.
		return false
	} else {
		supported = w.supportedTasks
	}

	job, err := w.store.GetJob(ctx, w.id, supported)
	if err != nil {
		w.recordingFailed("get_job", err)
		return false
	}
	if job == nil {
		return false
	}

	metrics.JobClaimsTotal.WithLabelValues(w.id).Inc()

	if !w.supportAny && !slices.Contains(w.supportedTasks, job.TaskIdentifier) {
		// Misconfigured allow-list guard (spec.md §4.2 "Unsupported tasks"):
		// the store may not filter, so check again here.
		w.logger.Warn("unsupported task claimed, failing immediately", "job_id", job.ID, "task", job.TaskIdentifier)
		if err := w.store.FailJob(ctx, w.id, job.ID, "Unsupported task"); err != nil {
			w.recordingFailed("fail_job", err)
		}
		metrics.JobsFailedTotal.WithLabelValues("unsupported_task").Inc()
		return true
	}

	w.runJob(ctx, job)
	return true
}

func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	attemptNum := job.Attempts + 1
	attemptID, attErr := w.store.CreateAttempt(ctx, job.ID, w.id, attemptNum)
	if attErr != nil {
		w.logger.Warn("create attempt record failed, continuing without it", "job_id", job.ID, "error", attErr)
	}

	start := time.Now()
	dispatchErr := w.dispatch.Dispatch(ctx, job, w.id)
	duration := time.Since(start)

	outcome := "accepted"
	if dispatchErr != nil {
		outcome = "error"
	}
	metrics.JobDispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	if attemptID != "" {
		var statusCode *int
		var errMsg *string
		if dispatchErr != nil {
			m := dispatchErr.Error()
			errMsg = &m
		}
		if err := w.store.CompleteAttempt(ctx, attemptID, statusCode, errMsg, duration); err != nil {
			w.logger.Warn("complete attempt record failed", "job_id", job.ID, "error", err)
		}
	}

	if dispatchErr != nil {
		w.logger.Info("dispatch failed, recording failure", "job_id", job.ID, "error", dispatchErr)
		if err := w.store.FailJob(ctx, w.id, job.ID, dispatchErr.Error()); err != nil {
			w.recordingFailed("fail_job", err)
		}
		metrics.JobsFailedTotal.WithLabelValues("dispatch").Inc()
		return
	}

	// Synchronous 2xx only means the function accepted the job; its
	// terminal outcome arrives later via the Callback Server. The Worker
	// must not call CompleteJob here (spec.md §4.2 step 3).
	w.logger.Info("dispatch accepted, awaiting callback", "job_id", job.ID)
}

// recordingFailed implements spec.md §4.2 step 4 / §7 item 5: if the worker
// cannot record an outcome after the store itself reports a failure, it
// treats this as fatal, releases its claim, and exits — an orchestrator is
// expected to restart it, and the next incarnation's startup ReleaseJobs
// cleans up any leftover claim.
func (w *Worker) recordingFailed(op string, err error) {
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		w.logger.Error("store call failed", "op", op, "error", err)
		return
	}
	w.logger.Error("unrecoverable store error, shutting down", "op", op, "error", err)

	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, relErr := w.store.ReleaseJobs(releaseCtx, w.id); relErr != nil {
		w.logger.Error("release on fatal path failed", "error", relErr)
	}

	w.fatal("worker", err)
}
