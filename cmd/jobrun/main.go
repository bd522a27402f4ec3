// jobrun runs every component of one node: the Worker pool, the Scheduler,
// the Callback Server, and the Admin API, all sharing one Postgres pool.
// Horizontal scale-out is running more instances of this same binary —
// concurrent Worker claims and concurrent Scheduler ticks are both safe by
// construction (FOR UPDATE SKIP LOCKED), so nothing here requires a
// designated leader.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/config"
	ctxlog "github.com/ErlanBelekov/dist-job-scheduler/internal/log"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/supervisor"
	"github.com/lmittmann/tint"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("supervisor init failed", "error", err)
		os.Exit(1)
	}

	logger.Info("jobrun starting",
		"env", cfg.Env,
		"worker_count", cfg.WorkerCount,
		"jobs_schema", cfg.JobsSchema,
	)

	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("jobrun shut down cleanly")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
