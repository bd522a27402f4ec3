package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrCronEntryNotFound    = errors.New("cron entry not found")
	ErrInvalidCronExpr      = errors.New("invalid cron expression")
	ErrCronIdentifierExists = errors.New("cron entry with this identifier already exists")
)

// CronEntry is a periodic job prototype. The Scheduler enqueues a Job from
// it whenever NextRunAt elapses, then advances NextRunAt.
type CronEntry struct {
	Identifier     string
	TaskIdentifier string
	Payload        json.RawMessage
	DatabaseID     string
	Schedule       string // cron expression, parsed by robfig/cron/v3
	NextRunAt      time.Time
	LastRunAt      *time.Time

	// CatchUp overrides the global default: when true, a scheduler that was
	// down for several intervals enqueues one job per missed tick instead
	// of collapsing them into a single enqueue.
	CatchUp *bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
