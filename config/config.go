package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is read once at startup (config.Load) and never mutated
// afterwards; every component receives the values it needs by value or via
// a narrow accessor, never a pointer into this struct's live state.
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	JobsSchema  string `env:"JOBS_SCHEMA" envDefault:"app_jobs" validate:"required"`

	// Worker

	WorkerCount      int           `env:"WORKER_COUNT" envDefault:"5" validate:"min=1,max=100"`
	WorkerID         string        `env:"WORKER_ID"` // defaults to "<hostname>-<pid>-<index>" when empty
	SupportedTasks   []string      `env:"SUPPORTED_TASKS" envSeparator:","`
	SupportAny       bool          `env:"SUPPORT_ANY_TASK" envDefault:"false"`
	IdleDelaySec     int           `env:"IDLE_DELAY_SEC" envDefault:"15" validate:"min=1,max=300"`
	DrainTimeoutSec  int           `env:"DRAIN_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=600"`

	// Dispatch

	GatewayBaseURL     string            `env:"GATEWAY_BASE_URL" validate:"required"`
	DevMap             map[string]string `env:"DEV_MAP" envSeparator:"," envKeyValSeparator:"="`
	CallbackURL        string            `env:"CALLBACK_URL" validate:"required"`
	DispatchTimeoutSec int               `env:"DISPATCH_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=900"`

	// Scheduler

	SchedulerID        string `env:"SCHEDULER_ID"`
	EnqueueIntervalSec int    `env:"ENQUEUE_INTERVAL_SEC" envDefault:"15" validate:"min=1,max=300"`
	ReclaimIntervalSec int    `env:"RECLAIM_INTERVAL_SEC" envDefault:"60" validate:"min=1,max=3600"`
	LostJobThresholdSec int   `env:"LOST_JOB_THRESHOLD_SEC" envDefault:"600" validate:"min=1,max=86400"`
	CronCatchUp        bool   `env:"CRON_CATCH_UP" envDefault:"false"`

	// Callback server / Admin API

	CallbackPort   string `env:"CALLBACK_PORT" envDefault:"8081"`
	AdminPort      string `env:"ADMIN_PORT" envDefault:"8082"`
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET" validate:"required_if=Env production,required_if=Env staging"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// Operator alerting

	OperatorAlertEmail string `env:"OPERATOR_ALERT_EMAIL"`
	ResendAPIKey       string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom         string `env:"RESEND_FROM" validate:"required_if=Env production,required_if=Env staging"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) IdleDelay() time.Duration       { return time.Duration(c.IdleDelaySec) * time.Second }
func (c *Config) DrainTimeout() time.Duration    { return time.Duration(c.DrainTimeoutSec) * time.Second }
func (c *Config) DispatchTimeout() time.Duration { return time.Duration(c.DispatchTimeoutSec) * time.Second }
func (c *Config) EnqueueInterval() time.Duration { return time.Duration(c.EnqueueIntervalSec) * time.Second }
func (c *Config) ReclaimInterval() time.Duration { return time.Duration(c.ReclaimIntervalSec) * time.Second }
func (c *Config) LostJobThreshold() time.Duration {
	return time.Duration(c.LostJobThresholdSec) * time.Second
}
