package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the SQL-backed Store implementation. All table names are
// qualified with schema, the schema in which the externally-supplied jobs
// tables live (spec.md §6, jobsSchema).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// NewPostgresStore wraps pool. schema defaults to "app_jobs" when empty,
// matching spec.md's documented default.
func NewPostgresStore(pool *pgxpool.Pool, schema string, logger *slog.Logger) *PostgresStore {
	if schema == "" {
		schema = "app_jobs"
	}
	return &PostgresStore{pool: pool, schema: schema, logger: logger.With("component", "store")}
}

func (s *PostgresStore) jobsTable() string      { return s.schema + ".jobs" }
func (s *PostgresStore) attemptsTable() string  { return s.schema + ".job_attempts" }
func (s *PostgresStore) cronTable() string      { return s.schema + ".cron_entries" }

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) AddJob(ctx context.Context, databaseID, taskIdentifier string, payload json.RawMessage, in AddJobInput) (string, error) {
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 25
	}
	runAt := in.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: add job: %v", domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`
		INSERT INTO %s (
			task_identifier, payload, database_id, priority, run_at,
			max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id`, s.jobsTable())

	var id string
	if err := tx.QueryRow(ctx, query,
		taskIdentifier, payload, databaseID, in.Priority, runAt, maxAttempts,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: add job: %v", domain.ErrStoreUnavailable, err)
	}

	// NOTIFY fires on commit, carrying the new job's id as payload so a
	// listener can log which job woke it (the loop still re-claims via
	// GetJob rather than trusting the payload).
	if _, err := tx.Exec(ctx, `SELECT pg_notify('jobs:insert', $1)`, id); err != nil {
		return "", fmt.Errorf("%w: add job: notify: %v", domain.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: add job: commit: %v", domain.ErrStoreUnavailable, err)
	}
	return id, nil
}

// GetJob implements the claim in spec.md invariant 2: select-and-lock happens
// atomically inside one UPDATE ... FOR UPDATE SKIP LOCKED statement, so no
// other transaction can observe the row as claimable in between.
func (s *PostgresStore) GetJob(ctx context.Context, workerID string, supportedTasks []string) (*domain.Job, error) {
	var query string
	var args []any

	base := fmt.Sprintf(`
		UPDATE %s
		SET    locked_at = NOW(), locked_by = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM %s
			WHERE locked_at IS NULL AND run_at <= NOW() AND attempts < max_attempts`,
		s.jobsTable(), s.jobsTable())

	if len(supportedTasks) > 0 {
		base += " AND task_identifier = ANY($2)"
		args = []any{workerID, supportedTasks}
	} else {
		args = []any{workerID}
	}

	base += `
			ORDER BY priority ASC, run_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_identifier, payload, database_id, priority, run_at,
		          attempts, max_attempts, last_error, locked_at, locked_by,
		          cron_identifier, created_at, updated_at`
	query = base

	row := s.pool.QueryRow(ctx, query, args...)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get job: %v", domain.ErrStoreUnavailable, err)
	}
	return job, nil
}

// CompleteJob deletes the row only when locked_by matches workerID
// (invariant 3). A stale caller — the job was already completed, reclaimed,
// or never existed — matches zero rows and is reported as
// domain.ErrJobNotFound so the Callback Server can return 404 (spec.md
// §4.4, §8 scenario 6) instead of silently acting as if it succeeded.
func (s *PostgresStore) CompleteJob(ctx context.Context, workerID, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND locked_by = $2`, s.jobsTable())
	tag, err := s.pool.Exec(ctx, query, jobID, workerID)
	if err != nil {
		return fmt.Errorf("%w: complete job: %v", domain.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// terminalRunAtOffset is added to now() for run_at once a job has exhausted max_attempts, far
// enough in the future that GetJob's "attempts < max_attempts" guard is the
// real reason it never gets reclaimed again — this is belt-and-braces, not
// the primary enforcement of invariant 6.
const terminalRunAtOffset = 24 * 365 * time.Hour

// FailJob implements invariant 4: increments attempts, sets last_error,
// clears the claim, and computes run_at := now() + backoff(attempts) — or,
// once attempts reaches max_attempts, pushes run_at far into the future
// instead, since GetJob's claim query already excludes such rows and a
// terminal job must never be reclaimed or redispatched again (invariant 6,
// spec.md §8 scenario 3). The row's own post-increment attempts count
// drives the backoff so two concurrent FailJob calls (which invariant 3/4
// never allow in practice since locked_by is checked) would still land on a
// monotone delay.
//
// A stale caller — the job was already completed, reclaimed, or never
// existed — matches zero rows and is reported as domain.ErrJobNotFound so
// the Callback Server can return 404 (spec.md §4.4, §8 scenario 6) instead
// of silently acting as if it succeeded.
func (s *PostgresStore) FailJob(ctx context.Context, workerID, jobID, message string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET    attempts   = attempts + 1,
		       last_error  = $3,
		       locked_at   = NULL,
		       locked_by   = NULL,
		       run_at      = NOW() + make_interval(secs => $4),
		       updated_at  = NOW()
		WHERE id = $1 AND locked_by = $2
		RETURNING attempts`, s.jobsTable())

	// Backoff depends on the post-increment attempt count, but the query
	// needs the delay before it knows that count — so compute FailJob's
	// delay from the current attempts/max_attempts values read just before
	// the update.
	var attemptsBefore, maxAttempts int
	peek := fmt.Sprintf(`SELECT attempts, max_attempts FROM %s WHERE id = $1 AND locked_by = $2`, s.jobsTable())
	if err := s.pool.QueryRow(ctx, peek, jobID, workerID).Scan(&attemptsBefore, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("%w: fail job: %v", domain.ErrStoreUnavailable, err)
	}

	var delay time.Duration
	if attemptsBefore+1 >= maxAttempts {
		delay = terminalRunAtOffset
	} else {
		delay = Backoff(attemptsBefore + 1)
	}

	var attemptsAfter int
	if err := s.pool.QueryRow(ctx, query, jobID, workerID, message, delay.Seconds()).Scan(&attemptsAfter); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("%w: fail job: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Backoff computes a monotone non-decreasing retry delay for the given
// 1-indexed attempt count: 30s doubled per attempt, capped at one hour,
// with no jitter — grounded on the teacher's scheduler.retryDelay.
func Backoff(attempts int) time.Duration {
	base := 30 * time.Second
	delay := base
	for i := 1; i < attempts && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// ReleaseJobs implements invariant 5: clears locked_at/locked_by for every
// row held by workerID without touching attempts.
func (s *PostgresStore) ReleaseJobs(ctx context.Context, workerID string) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE  locked_by = $1`, s.jobsTable())

	tag, err := s.pool.Exec(ctx, query, workerID)
	if err != nil {
		return 0, fmt.Errorf("%w: release jobs: %v", domain.ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, jobID, workerID string, attemptNum int) (string, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, attempt_num, worker_id, started_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id`, s.attemptsTable())

	var id string
	if err := s.pool.QueryRow(ctx, query, jobID, attemptNum, workerID).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: create attempt: %v", domain.ErrStoreUnavailable, err)
	}
	return id, nil
}

func (s *PostgresStore) CompleteAttempt(ctx context.Context, attemptID string, statusCode *int, errMsg *string, dur time.Duration) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET    completed_at = NOW(),
		       status_code  = $2,
		       error        = $3,
		       duration_ms  = $4
		WHERE id = $1`, s.attemptsTable())

	if _, err := s.pool.Exec(ctx, query, attemptID, statusCode, errMsg, dur.Milliseconds()); err != nil {
		return fmt.Errorf("%w: complete attempt: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	query := fmt.Sprintf(`
		SELECT id, job_id, attempt_num, worker_id, started_at,
		       completed_at, status_code, error, duration_ms
		FROM %s
		WHERE job_id = $1
		ORDER BY started_at ASC`, s.attemptsTable())

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: list attempts: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var attempts []*domain.JobAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan attempt: %v", domain.ErrStoreUnavailable, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// GetJobByID reads a job row without claiming it, for the admin API.
func (s *PostgresStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := fmt.Sprintf(`
		SELECT id, task_identifier, payload, database_id, priority, run_at,
		       attempts, max_attempts, last_error, locked_at, locked_by,
		       cron_identifier, created_at, updated_at
		FROM %s
		WHERE id = $1`, s.jobsTable())

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: get job by id: %v", domain.ErrStoreUnavailable, err)
	}
	return job, nil
}

// ListCronEntries returns every registered cron entry, for the admin API.
func (s *PostgresStore) ListCronEntries(ctx context.Context) ([]*domain.CronEntry, error) {
	query := fmt.Sprintf(`
		SELECT identifier, task_identifier, payload, database_id, schedule,
		       next_run_at, last_run_at, catch_up, created_at, updated_at
		FROM %s
		ORDER BY identifier ASC`, s.cronTable())

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list cron entries: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []*domain.CronEntry
	for rows.Next() {
		e, err := scanCronEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan cron entry: %v", domain.ErrStoreUnavailable, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.TaskIdentifier, &j.Payload, &j.DatabaseID, &j.Priority, &j.RunAt,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LockedAt, &j.LockedBy,
		&j.CronIdentifier, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanAttempt(row rowScanner) (*domain.JobAttempt, error) {
	var a domain.JobAttempt
	err := row.Scan(
		&a.ID, &a.JobID, &a.AttemptNum, &a.WorkerID, &a.StartedAt,
		&a.CompletedAt, &a.StatusCode, &a.Error, &a.DurationMS,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
