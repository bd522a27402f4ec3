package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrUnsupportedTask  = errors.New("unsupported task")
)

// Job is a unit of work dispatched to an external HTTP-addressable function
// named by TaskIdentifier. Payload is carried to the function verbatim.
type Job struct {
	ID             string          `json:"id"`
	TaskIdentifier string          `json:"taskIdentifier"`
	Payload        json.RawMessage `json:"payload"`
	DatabaseID     string          `json:"databaseId"`
	Priority       int             `json:"priority"`
	RunAt          time.Time       `json:"runAt"`

	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"maxAttempts"`
	LastError   *string `json:"lastError,omitempty"`

	LockedAt *time.Time `json:"lockedAt,omitempty"`
	LockedBy *string    `json:"lockedBy,omitempty"`

	CronIdentifier *string `json:"cronIdentifier,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the job has exhausted its attempts after a
// failure and will never be claimed again (invariant 6).
func (j *Job) Terminal() bool {
	return j.Attempts >= j.MaxAttempts && j.LastError != nil
}

// JobAttempt is one audit row per dispatch attempt, supplementing the core
// job record with a per-attempt history (§4 data model additions).
type JobAttempt struct {
	ID         string
	JobID      string
	AttemptNum int
	WorkerID   string
	StartedAt  time.Time

	CompletedAt *time.Time
	StatusCode  *int
	Error       *string
	DurationMS  *int64
}
