package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/golfarena/arena-be/internal/worker/domain"
)

// Storage handles the queue-side database operations for the worker. The
// jobs table is the sole cross-worker mutual-exclusion point: every claim
// is a conditional state transition that succeeds on exactly one row.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger}
}

// ClaimJob claims one specific queued job (QUEUED → RUNNING). Returns
// domain.ErrJobAlreadyClaimed when the transition affects no row.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    attempt_count = attempt_count + 1
		WHERE id = $2
		  AND status = $3
		RETURNING id, user_id, task_id, payload, attempt_count
	`
	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, jobID, domain.JobStatusQueued).Scan(
		&job.ID, &job.UserID, &job.TaskID, &job.Payload, &job.AttemptCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptCount),
	)
	return &job, nil
}

// ClaimOldestQueued claims the oldest queued job. SKIP LOCKED keeps
// concurrent claimers from blocking on each other while preserving the
// at-most-once-claim guarantee. Returns (nil, nil) when the queue is empty.
func (s *Storage) ClaimOldestQueued(ctx context.Context) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    attempt_count = attempt_count + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, user_id, task_id, payload, attempt_count
	`
	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, domain.JobStatusQueued).Scan(
		&job.ID, &job.UserID, &job.TaskID, &job.Payload, &job.AttemptCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim oldest queued job: %w", err)
	}

	s.logger.Info("Job claimed from queue sweep",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptCount),
	)
	return &job, nil
}

// CompleteJob writes the done state. The status guard makes a late
// duplicate completion (possible after stale-job recovery requeued the
// job) a no-op instead of clobbering a newer attempt.
func (s *Storage) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	return s.finishJob(ctx, jobID, domain.JobStatusDone, result, "")
}

// FailJob writes the failed state with the terminal error text.
func (s *Storage) FailJob(ctx context.Context, jobID, errorMsg string) error {
	return s.finishJob(ctx, jobID, domain.JobStatusFailed, nil, errorMsg)
}

func (s *Storage) finishJob(ctx context.Context, jobID, status string, result json.RawMessage, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    error_message = NULLIF($3, ''),
		    finished_at = NOW()
		WHERE id = $4 AND status = $5
	`
	res, err := s.db.ExecContext(ctx, query, status, result, errorMsg, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to write terminal job state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		s.logger.Warn("Terminal write affected no row, treating as late duplicate",
			slog.String("job_id", jobID),
			slog.String("status", status),
		)
		return nil
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}

// Heartbeat refreshes the running job's liveness timestamp.
func (s *Storage) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW()
		WHERE id = $1 AND status = $2
	`
	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		s.logger.Warn("Heartbeat touched no row, job may have been recovered",
			slog.String("job_id", jobID),
		)
	}
	return nil
}

// RecoverStale reverts jobs stuck in RUNNING past the staleness threshold.
// Jobs with attempts left go back to QUEUED; exhausted ones fail terminally
// so recovery stays bounded.
func (s *Storage) RecoverStale(ctx context.Context, staleAfterSeconds int, maxAttempts int) (requeued, failed int64, err error) {
	requeueQuery := `
		UPDATE jobs
		SET status = $1,
		    started_at = NULL,
		    last_heartbeat_at = NULL
		WHERE status = $2
		  AND last_heartbeat_at < NOW() - make_interval(secs => $3)
		  AND attempt_count < $4
	`
	res, err := s.db.ExecContext(ctx, requeueQuery,
		domain.JobStatusQueued, domain.JobStatusRunning, staleAfterSeconds, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	requeued, _ = res.RowsAffected()

	failQuery := `
		UPDATE jobs
		SET status = $1,
		    error_message = 'job attempts exhausted after stale recovery',
		    finished_at = NOW()
		WHERE status = $2
		  AND last_heartbeat_at < NOW() - make_interval(secs => $3)
		  AND attempt_count >= $4
	`
	res, err = s.db.ExecContext(ctx, failQuery,
		domain.JobStatusFailed, domain.JobStatusRunning, staleAfterSeconds, maxAttempts)
	if err != nil {
		return requeued, 0, fmt.Errorf("failed to expire stale jobs: %w", err)
	}
	failed, _ = res.RowsAffected()

	return requeued, failed, nil
}
