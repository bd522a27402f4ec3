package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func (s *PostgresStore) AddCronEntry(ctx context.Context, e *domain.CronEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			identifier, task_identifier, payload, database_id, schedule,
			next_run_at, catch_up, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`, s.cronTable())

	_, err := s.pool.Exec(ctx, query,
		e.Identifier, e.TaskIdentifier, e.Payload, e.DatabaseID, e.Schedule,
		e.NextRunAt, e.CatchUp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrCronIdentifierExists
		}
		return fmt.Errorf("%w: add cron entry: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ClaimDueCronEntries atomically claims due entries, inserts one job per
// entry, and advances next_run_at — all in a single transaction so a crash
// mid-tick never leaves an entry fired-but-not-advanced or vice versa.
// FOR UPDATE SKIP LOCKED bounds duplication across concurrent schedulers to
// "at most one enqueue per entry per tick per scheduler that wins the row
// lock", matching spec.md §4.3's tolerance requirement.
func (s *PostgresStore) ClaimDueCronEntries(ctx context.Context, limit int, computeNext func(*domain.CronEntry) time.Time) ([]*domain.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: claim cron entries: %v", domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT identifier, task_identifier, payload, database_id, schedule,
		       next_run_at, last_run_at, catch_up, created_at, updated_at
		FROM %s
		WHERE next_run_at <= NOW()
		ORDER BY next_run_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, s.cronTable()), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim cron entries: %v", domain.ErrStoreUnavailable, err)
	}

	var entries []*domain.CronEntry
	for rows.Next() {
		e, err := scanCronEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan cron entry: %v", domain.ErrStoreUnavailable, err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate cron entries: %v", domain.ErrStoreUnavailable, err)
	}

	var fired []*domain.Job
	for _, e := range entries {
		var j domain.Job
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (
				task_identifier, payload, database_id, priority, run_at,
				max_attempts, cron_identifier, created_at, updated_at
			) VALUES ($1, $2, $3, 0, NOW(), $4, $5, NOW(), NOW())
			RETURNING id, task_identifier, payload, database_id, priority, run_at,
			          attempts, max_attempts, last_error, locked_at, locked_by,
			          cron_identifier, created_at, updated_at`, s.jobsTable())

		err := tx.QueryRow(ctx, insertQuery,
			e.TaskIdentifier, e.Payload, e.DatabaseID, 25, e.Identifier,
		).Scan(
			&j.ID, &j.TaskIdentifier, &j.Payload, &j.DatabaseID, &j.Priority, &j.RunAt,
			&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LockedAt, &j.LockedBy,
			&j.CronIdentifier, &j.CreatedAt, &j.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: enqueue cron job %s: %v", domain.ErrStoreUnavailable, e.Identifier, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify('jobs:insert', $1)`, j.ID); err != nil {
			return nil, fmt.Errorf("%w: notify cron job %s: %v", domain.ErrStoreUnavailable, e.Identifier, err)
		}
		fired = append(fired, &j)

		next := computeNext(e)
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET next_run_at = $2, last_run_at = NOW(), updated_at = NOW() WHERE identifier = $1`,
			s.cronTable()), e.Identifier, next,
		); err != nil {
			return nil, fmt.Errorf("%w: advance cron entry %s: %v", domain.ErrStoreUnavailable, e.Identifier, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit cron tick: %v", domain.ErrStoreUnavailable, err)
	}
	return fired, nil
}

// ReclaimStale releases claims whose locked_at predates staleCutoff,
// regardless of locked_by — covers workers that died without calling
// ReleaseJobs (spec.md §4.3 item 2).
func (s *PostgresStore) ReclaimStale(ctx context.Context, staleCutoff time.Time, limit int) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM %s
			WHERE locked_at IS NOT NULL AND locked_at < $1
			ORDER BY locked_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, s.jobsTable(), s.jobsTable())

	tag, err := s.pool.Exec(ctx, query, staleCutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim stale jobs: %v", domain.ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanCronEntry(row rowScanner) (*domain.CronEntry, error) {
	var e domain.CronEntry
	err := row.Scan(
		&e.Identifier, &e.TaskIdentifier, &e.Payload, &e.DatabaseID, &e.Schedule,
		&e.NextRunAt, &e.LastRunAt, &e.CatchUp, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCronEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}
