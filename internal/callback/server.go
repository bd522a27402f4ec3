// Package callback implements the Callback Server of spec.md §4.4: a single
// HTTP endpoint that a dispatched task's own process calls, asynchronously,
// to report that it finished (successfully or not). Grounded on the
// teacher's transport/http router/handler/middleware layering, adapted from
// gin's auth-protected CRUD routes to one unauthenticated, idempotent
// POST route validated by worker/job identity headers instead of a JWT.
package callback

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/metrics"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/requestid"
	"github.com/gin-gonic/gin"
)

// Store is the subset of store.Store the Callback Server depends on.
type Store interface {
	CompleteJob(ctx context.Context, workerID, jobID string) error
	FailJob(ctx context.Context, workerID, jobID, message string) error
}

// Server hosts the callback endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type callbackRequest struct {
	Complete bool   `json:"complete"`
	Error    string `json:"error"`
}

// NewEngine builds the gin engine in isolation so tests can drive it with
// httptest without binding a real listener.
func NewEngine(store Store, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(metricsMiddleware())

	r.POST("/", handleCallback(store, logger))
	return r
}

// New builds the callback HTTP server bound to addr.
func New(addr string, store Store, logger *slog.Logger) *Server {
	logger = logger.With("component", "callback_server")

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: NewEngine(store, logger)},
		logger:     logger,
	}
}

// Run starts serving and blocks until ctx is cancelled, then shuts down with
// a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("callback server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleCallback implements spec.md §4.4's contract: worker/job identity
// arrives via headers, the body carries only the outcome. A job no longer
// locked by the calling worker — already completed, reclaimed as stale, or
// never existed — is reported as 404, treated as stale (spec.md §4.4, §8
// scenario 6), not silently accepted as 200.
func handleCallback(store Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		workerID := c.GetHeader("X-Worker-Id")
		jobID := c.GetHeader("X-Job-Id")
		if workerID == "" || jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Worker-Id and X-Job-Id headers are required"})
			return
		}

		var req callbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid callback body: " + err.Error()})
			return
		}

		ctx := c.Request.Context()
		var err error
		outcome := "complete"
		if req.Complete {
			err = store.CompleteJob(ctx, workerID, jobID)
		} else {
			outcome = "fail"
			msg := req.Error
			if msg == "" {
				msg = "task reported failure without a message"
			}
			err = store.FailJob(ctx, workerID, jobID, msg)
		}

		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				logger.InfoContext(ctx, "callback for stale job, job no longer locked by this worker", "job_id", jobID, "worker_id", workerID, "outcome", outcome)
				metrics.CallbacksReceivedTotal.WithLabelValues(outcome, "stale").Inc()
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found or no longer locked by this worker"})
				return
			}
			if errors.Is(err, domain.ErrStoreUnavailable) {
				logger.ErrorContext(ctx, "callback store call failed", "job_id", jobID, "worker_id", workerID, "outcome", outcome, "error", err)
				metrics.CallbacksReceivedTotal.WithLabelValues(outcome, "error").Inc()
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			logger.WarnContext(ctx, "callback unexpected error", "job_id", jobID, "worker_id", workerID, "error", err)
			metrics.CallbacksReceivedTotal.WithLabelValues(outcome, "error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		metrics.CallbacksReceivedTotal.WithLabelValues(outcome, "ok").Inc()
		if req.Complete {
			metrics.JobsCompletedTotal.Inc()
		} else {
			metrics.JobsFailedTotal.WithLabelValues("callback").Inc()
		}
		logger.InfoContext(ctx, "callback recorded", "job_id", jobID, "worker_id", workerID, "outcome", outcome)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = requestid.New()
		}
		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		duration := time.Since(start).Seconds()

		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
