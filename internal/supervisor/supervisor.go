// Package supervisor wires the Job Store Adapter, Worker pool, Scheduler,
// Callback Server, and Admin API into one process and sequences their
// shutdown (spec.md §4.6): Scheduler stops taking new ticks first, then the
// Worker pool drains in-flight claims, then the HTTP servers close, and
// finally the store itself is closed. Grounded on the teacher's cmd/*
// main.go ordered-shutdown skeleton, generalized from "one ctx, one defer"
// to staged contexts so each component's stop can be awaited before the
// next begins.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/config"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/adminapi"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/callback"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/cron"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/dispatch"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/health"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/metrics"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notify"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/store"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Supervisor owns every long-running component of one jobrun process.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	st         *store.PostgresStore
	workers    *worker.Pool
	sched      *cron.Scheduler
	callback   *callback.Server
	admin      *adminapi.Server
	metricsSrv *http.Server
}

// New constructs every component from cfg but starts nothing; call Run to
// start and block.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	st := store.NewPostgresStore(pool, cfg.JobsSchema, logger)

	notifier := notify.New(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, cfg.OperatorAlertEmail, logger)

	devMap := cfg.DevMap
	if cfg.Env == "production" {
		devMap = nil
	}
	dispatchClient := dispatch.New(dispatch.Config{
		GatewayBaseURL:  cfg.GatewayBaseURL,
		DevMap:          devMap,
		CallbackURL:     cfg.CallbackURL,
		DispatchTimeout: cfg.DispatchTimeout(),
	}, logger)

	workerPool := worker.NewPool(cfg.WorkerCount, baseWorkerID(cfg), st, dispatchClient, worker.Config{
		SupportedTasks: cfg.SupportedTasks,
		SupportAny:     cfg.SupportAny,
		IdleDelay:      cfg.IdleDelay(),
		DrainTimeout:   cfg.DrainTimeout(),
		Notifier:       notifier,
	}, logger)

	sched := cron.New(st, cron.Config{
		ID:               cfg.SchedulerID,
		EnqueueInterval:  cfg.EnqueueInterval(),
		ReclaimInterval:  cfg.ReclaimInterval(),
		LostJobThreshold: cfg.LostJobThreshold(),
		CatchUpDefault:   cfg.CronCatchUp,
	}, logger)

	callbackSrv := callback.New(":"+cfg.CallbackPort, st, logger)
	adminSrv := adminapi.New(":"+cfg.AdminPort, st, []byte(cfg.AdminJWTSecret), logger)

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)
	metricsSrv := newMetricsAndHealthServer(":"+cfg.MetricsPort, checker)

	return &Supervisor{
		cfg:        cfg,
		logger:     logger,
		st:         st,
		workers:    workerPool,
		sched:      sched,
		callback:   callbackSrv,
		admin:      adminSrv,
		metricsSrv: metricsSrv,
	}, nil
}

// newMetricsAndHealthServer exposes /metrics alongside /healthz and /readyz
// on one port, since all three are ops-facing and unauthenticated.
func newMetricsAndHealthServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealthResult(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeHealthResult(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealthResult(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func baseWorkerID(cfg *config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Run wires Store.Listen's notifications to wake the Worker pool, starts
// every component, and blocks until ctx is cancelled, then shuts everything
// down in order.
func (s *Supervisor) Run(ctx context.Context) error {
	listenCtx, listenCancel := context.WithCancel(ctx)
	defer listenCancel()
	go func() {
		if err := s.st.Listen(listenCtx, s.workers.Notify); err != nil {
			s.logger.Error("listen loop exited", "error", err)
		}
	}()

	schedCtx, schedCancel := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		s.sched.Run(schedCtx)
		close(schedDone)
	}()

	workerCtx, workerCancel := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		s.workers.Run(workerCtx)
		close(workerDone)
	}()

	// The callback server and admin API outlive worker/scheduler cancellation
	// on purpose: a callback for a job dispatched just before shutdown must
	// still be accepted while the worker pool is draining.
	httpCtx, httpCancel := context.WithCancel(context.Background())

	callbackDone := make(chan error, 1)
	go func() { callbackDone <- s.callback.Run(httpCtx) }()

	adminDone := make(chan error, 1)
	go func() { adminDone <- s.admin.Run(httpCtx) }()

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil {
			s.logger.Warn("metrics server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	schedCancel()
	<-schedDone
	s.logger.Info("scheduler stopped")

	workerCancel()
	<-workerDone
	s.logger.Info("workers drained")

	listenCancel()
	httpCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.metricsSrv.Shutdown(shutdownCtx)

	if err := <-callbackDone; err != nil {
		s.logger.Error("callback server shutdown", "error", err)
	}
	if err := <-adminDone; err != nil {
		s.logger.Error("admin api shutdown", "error", err)
	}
	s.logger.Info("http servers closed")

	s.st.Close()
	s.logger.Info("store closed")

	return nil
}
