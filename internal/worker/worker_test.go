package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/worker"
)

// ---- fakes ----

type fakeStore struct {
	mu sync.Mutex

	jobs []*domain.Job // acts as the claimable pool, in order

	getJobErr      error
	failJobErr     error
	completeJobErr error
	releaseErr     error

	failed    []string
	completed []string
	released  int
}

func (s *fakeStore) GetJob(_ context.Context, workerID string, _ []string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getJobErr != nil {
		return nil, s.getJobErr
	}
	if len(s.jobs) == 0 {
		return nil, nil
	}
	j := s.jobs[0]
	s.jobs = s.jobs[1:]
	locked := workerID
	j.LockedBy = &locked
	return j, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, _, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeJobErr != nil {
		return s.completeJobErr
	}
	s.completed = append(s.completed, jobID)
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, _, jobID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failJobErr != nil {
		return s.failJobErr
	}
	s.failed = append(s.failed, jobID)
	return nil
}

func (s *fakeStore) ReleaseJobs(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return 0, s.releaseErr
	}
	s.released++
	return 0, nil
}

func (s *fakeStore) CreateAttempt(_ context.Context, _, _ string, _ int) (string, error) {
	return "attempt-1", nil
}

func (s *fakeStore) CompleteAttempt(_ context.Context, _ string, _ *int, _ *string, _ time.Duration) error {
	return nil
}

type fakeDispatcher struct {
	dispatchErr error
	calls       atomic.Int32
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *domain.Job, _ string) error {
	d.calls.Add(1)
	return d.dispatchErr
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

// ---- tests ----

func TestRun_SuccessfulDispatch_AwaitsCallback_NeverCompletesSynchronously(t *testing.T) {
	job := &domain.Job{ID: "job-1", TaskIdentifier: "send-email", MaxAttempts: 25}
	store := &fakeStore{jobs: []*domain.Job{job}}
	dispatcher := &fakeDispatcher{}

	w := worker.New(store, dispatcher, worker.Config{ID: "w1", SupportAny: true, IdleDelay: 10 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return dispatcher.calls.Load() == 1 })
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.completed) != 0 {
		t.Errorf("worker must not call CompleteJob on synchronous success; completed = %v", store.completed)
	}
	if len(store.failed) != 0 {
		t.Errorf("unexpected FailJob calls: %v", store.failed)
	}
}

func TestRun_DispatchError_RecordsFailJob(t *testing.T) {
	job := &domain.Job{ID: "job-2", TaskIdentifier: "send-email", MaxAttempts: 25}
	store := &fakeStore{jobs: []*domain.Job{job}}
	dispatcher := &fakeDispatcher{dispatchErr: errors.New("gateway unreachable")}

	w := worker.New(store, dispatcher, worker.Config{ID: "w1", SupportAny: true, IdleDelay: 10 * time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	})
	cancel()
	<-done

	if store.failed[0] != "job-2" {
		t.Errorf("failed job id = %q, want job-2", store.failed[0])
	}
}

func TestRun_UnsupportedTask_FailsImmediatelyWithoutDispatch(t *testing.T) {
	job := &domain.Job{ID: "job-3", TaskIdentifier: "unknown-task", MaxAttempts: 25}
	store := &fakeStore{jobs: []*domain.Job{job}}
	dispatcher := &fakeDispatcher{}

	w := worker.New(store, dispatcher, worker.Config{
		ID:             "w1",
		SupportedTasks: []string{"send-email"},
		IdleDelay:      10 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	})
	cancel()
	<-done

	if dispatcher.calls.Load() != 0 {
		t.Errorf("dispatch should never be called for an unsupported task, got %d calls", dispatcher.calls.Load())
	}
}

func TestRun_GetJobUnavailable_TriggersFatalAfterReleasing(t *testing.T) {
	store := &fakeStore{getJobErr: domain.ErrStoreUnavailable}
	dispatcher := &fakeDispatcher{}

	var fatalComponent string
	var fatalErr error
	fatalCalled := make(chan struct{})
	var once sync.Once

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.New(store, dispatcher, worker.Config{
		ID:        "w1",
		SupportAny: true,
		IdleDelay: 10 * time.Millisecond,
		FatalFunc: func(component string, err error) {
			// The production FatalFunc calls os.Exit, which stops the claim
			// loop from ever calling fatal twice. This double is invoked
			// instead, so it must tolerate repeated calls itself: cancel the
			// loop and only record/close once.
			once.Do(func() {
				fatalComponent = component
				fatalErr = err
				close(fatalCalled)
			})
			cancel()
		},
	}, discardLogger())

	go w.Run(ctx)

	select {
	case <-fatalCalled:
	case <-time.After(time.Second):
		t.Fatal("fatal func was not called")
	}

	if fatalComponent != "worker" {
		t.Errorf("fatal component = %q, want worker", fatalComponent)
	}
	if !errors.Is(fatalErr, domain.ErrStoreUnavailable) {
		t.Errorf("fatal err = %v, want wrapping ErrStoreUnavailable", fatalErr)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.released == 0 {
		t.Error("expected ReleaseJobs to be called on the fatal path")
	}
}

func TestRun_ContextCancelled_ReleasesClaimsAndStops(t *testing.T) {
	store := &fakeStore{}
	dispatcher := &fakeDispatcher{}

	w := worker.New(store, dispatcher, worker.Config{ID: "w1", SupportAny: true, IdleDelay: time.Minute}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return w.State() == worker.StateRunning })
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if w.State() != worker.StateStopped {
		t.Errorf("state = %v, want Stopped", w.State())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.released < 2 { // once at startup, once on drain
		t.Errorf("released = %d, want at least 2 (startup + drain)", store.released)
	}
}

func TestNotify_WakesIdleLoopWithoutWaitingForIdleDelay(t *testing.T) {
	job := &domain.Job{ID: "job-4", TaskIdentifier: "send-email", MaxAttempts: 25}
	store := &fakeStore{} // no job yet
	dispatcher := &fakeDispatcher{}

	w := worker.New(store, dispatcher, worker.Config{ID: "w1", SupportAny: true, IdleDelay: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return w.State() == worker.StateRunning })

	store.mu.Lock()
	store.jobs = []*domain.Job{job}
	store.mu.Unlock()
	w.Notify()

	waitFor(t, time.Second, func() bool { return dispatcher.calls.Load() == 1 })
	cancel()
	<-done
}
