package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/golfarena/arena-be/internal/api/domain"
)

// Storage handles the database operations behind the intake API.
type Storage struct {
	db            *sqlx.DB
	logger        *slog.Logger
	maxActiveJobs int
}

// NewStorage creates a Storage instance.
func NewStorage(db *sqlx.DB, maxActiveJobs int, logger *slog.Logger) *Storage {
	return &Storage{db: db, maxActiveJobs: maxActiveJobs, logger: logger}
}

// EnqueueSubmission persists a new job unless an active job with the same
// dedup key exists, in which case that job's id is returned instead. The
// partial unique index on the dedup key makes the at-most-one-active
// invariant hold even when two requests race past the pre-check. Returns
// domain.ErrQueueFull once the active-job ceiling is reached.
func (s *Storage) EnqueueSubmission(ctx context.Context, job *domain.SubmissionJob) (string, bool, error) {
	if id, err := s.activeJobByDedupKey(ctx, job.DedupKey); err != nil {
		return "", false, err
	} else if id != "" {
		s.logger.Info("Duplicate submission collapsed",
			slog.String("job_id", id),
			slog.String("dedup_key", job.DedupKey),
		)
		return id, false, nil
	}

	var active int
	if err := s.db.GetContext(ctx, &active,
		`SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2)`,
		domain.JobStatusQueued, domain.JobStatusRunning,
	); err != nil {
		return "", false, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= s.maxActiveJobs {
		s.logger.Warn("Submission rejected, queue full",
			slog.Int("active_jobs", active),
			slog.Int("max_active_jobs", s.maxActiveJobs),
		)
		return "", false, domain.ErrQueueFull
	}

	query := `
		INSERT INTO jobs (id, user_id, task_id, dedup_key, payload, status, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (dedup_key) WHERE status IN ('QUEUED', 'RUNNING') DO NOTHING
		RETURNING id
	`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		job.ID, job.UserID, job.TaskID, job.DedupKey, job.Payload,
		domain.JobStatusQueued, time.Now(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		// lost the insert race: hand back the winner's id
		winner, lookupErr := s.activeJobByDedupKey(ctx, job.DedupKey)
		if lookupErr != nil {
			return "", false, lookupErr
		}
		if winner == "" {
			return "", false, fmt.Errorf("dedup conflict but no active job for key %s", job.DedupKey)
		}
		return winner, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue submission: %w", err)
	}

	s.logger.Info("Submission enqueued",
		slog.String("job_id", id),
		slog.String("user_id", job.UserID),
		slog.String("task_id", job.TaskID),
	)
	return id, true, nil
}

func (s *Storage) activeJobByDedupKey(ctx context.Context, dedupKey string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM jobs WHERE dedup_key = $1 AND status IN ($2, $3)`,
		dedupKey, domain.JobStatusQueued, domain.JobStatusRunning,
	)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up active job: %w", err)
	}
	return id, nil
}

// GetJobForOwner returns a job only when the caller owns it and addressed
// the correct task. Anything else reports domain.ErrJobNotFound.
func (s *Storage) GetJobForOwner(ctx context.Context, jobID, userID, taskID string) (*domain.SubmissionJob, error) {
	query := `
		SELECT id, user_id, task_id, dedup_key, payload, status, attempt_count,
		       created_at, started_at, finished_at, last_heartbeat_at, result, error_message
		FROM jobs
		WHERE id = $1 AND user_id = $2 AND task_id = $3
	`
	var job domain.SubmissionJob
	if err := s.db.GetContext(ctx, &job, query, jobID, userID, taskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// LeaderboardEntry is one leaderboard row under the total rank order.
type LeaderboardEntry struct {
	Rank       int       `db:"rank" json:"rank"`
	UserID     string    `db:"user_id" json:"user_id"`
	CodeLength int       `db:"code_length" json:"code_length"`
	AchievedAt time.Time `db:"achieved_at" json:"achieved_at"`
}

// Leaderboard returns the top entries for a task ordered by
// (length asc, achievement time asc, identity asc).
func (s *Storage) Leaderboard(ctx context.Context, taskID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT ROW_NUMBER() OVER (ORDER BY code_length ASC, achieved_at ASC, user_id ASC) AS rank,
		       user_id, code_length, achieved_at
		FROM best_submissions
		WHERE task_id = $1
		ORDER BY code_length ASC, achieved_at ASC, user_id ASC
		LIMIT $2
	`
	entries := []LeaderboardEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, taskID, limit); err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return entries, nil
}
