// Package adminapi implements the read-only introspection API supplementing
// spec.md's core runtime (§4 component design, Admin / introspection API):
// job and attempt lookup plus the registered cron entries, protected by the
// same HS256 bearer-token scheme the teacher uses for its user-facing API.
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/adminapi/middleware"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Store is the subset of store.Store the Admin API depends on.
type Store interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListAttempts(ctx context.Context, jobID string) ([]*domain.JobAttempt, error)
	ListCronEntries(ctx context.Context) ([]*domain.CronEntry, error)
}

// Server hosts the admin API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewEngine builds the gin engine in isolation for tests.
func NewEngine(store Store, jwtKey []byte, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metricsMiddleware())

	h := &handlers{store: store, logger: logger}

	jobs := r.Group("/jobs", middleware.Auth(jwtKey))
	jobs.GET("/:id", h.getJob)
	jobs.GET("/:id/attempts", h.listAttempts)

	cronRoutes := r.Group("/cron", middleware.Auth(jwtKey))
	cronRoutes.GET("", h.listCronEntries)

	return r
}

// New builds the admin API HTTP server bound to addr.
func New(addr string, store Store, jwtKey []byte, logger *slog.Logger) *Server {
	logger = logger.With("component", "admin_api")
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: NewEngine(store, jwtKey, logger)},
		logger:     logger,
	}
}

// Run starts serving and blocks until ctx is cancelled, then shuts down with
// a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", s.httpServer.Addr)
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

type handlers struct {
	store  Store
	logger *slog.Logger
}

// jobView adds the Terminal computed field (invariant 6: attempts exhausted
// after a failure, never reclaimed again) to the plain stored row, so an
// operator inspecting a job doesn't have to recompute it from
// attempts/maxAttempts/lastError by hand.
type jobView struct {
	*domain.Job
	Terminal bool `json:"terminal"`
}

func (h *handlers) getJob(c *gin.Context) {
	id := c.Param("id")
	job, err := h.store.GetJobByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("get job", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, jobView{Job: job, Terminal: job.Terminal()})
}

func (h *handlers) listAttempts(c *gin.Context) {
	id := c.Param("id")
	attempts, err := h.store.ListAttempts(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list attempts", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (h *handlers) listCronEntries(c *gin.Context) {
	entries, err := h.store.ListCronEntries(c.Request.Context())
	if err != nil {
		h.logger.Error("list cron entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
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
