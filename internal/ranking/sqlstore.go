package ranking

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLStore implements Store on PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a SQL-backed ranking store.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// WithTx runs fn inside one transaction, rolling back on error.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: txx}); err != nil {
		_ = txx.Rollback()
		return err
	}

	if err := txx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) InsertSubmission(ctx context.Context, sub *Submission) error {
	query := `
		INSERT INTO submissions
			(id, job_id, user_id, task_id, code, code_length, outcome,
			 tests_passed, tests_total, runtime_ms, error_message, created_at)
		VALUES
			(:id, :job_id, :user_id, :task_id, :code, :code_length, :outcome,
			 :tests_passed, :tests_total, :runtime_ms, :error_message, :created_at)
	`
	_, err := t.tx.NamedExecContext(ctx, query, sub)
	return err
}

func (t *sqlTx) InsertBest(ctx context.Context, best *BestSubmission) (UpsertOutcome, error) {
	query := `
		INSERT INTO best_submissions (task_id, user_id, submission_id, code_length, achieved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, user_id) DO NOTHING
	`
	res, err := t.tx.ExecContext(ctx, query,
		best.TaskID, best.UserID, best.SubmissionID, best.CodeLength, best.AchievedAt)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 1 {
		return OutcomeCreated, nil
	}
	return OutcomeAlreadyExists, nil
}

func (t *sqlTx) GetBest(ctx context.Context, taskID, userID string) (*BestSubmission, error) {
	query := `
		SELECT task_id, user_id, submission_id, code_length, achieved_at
		FROM best_submissions
		WHERE task_id = $1 AND user_id = $2
	`
	var best BestSubmission
	if err := t.tx.GetContext(ctx, &best, query, taskID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("best submission vanished for task %s user %s", taskID, userID)
		}
		return nil, err
	}
	return &best, nil
}

// ImproveBest replaces the recorded best only when the candidate is
// strictly shorter. The length guard is in the statement itself so two
// concurrent improvers cannot regress the record.
func (t *sqlTx) ImproveBest(ctx context.Context, best *BestSubmission) (bool, error) {
	query := `
		UPDATE best_submissions
		SET submission_id = $3, code_length = $4, achieved_at = $5
		WHERE task_id = $1 AND user_id = $2 AND code_length > $4
	`
	res, err := t.tx.ExecContext(ctx, query,
		best.TaskID, best.UserID, best.SubmissionID, best.CodeLength, best.AchievedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Rank counts users strictly ahead under the total order
// (length asc, achieved_at asc, user_id asc), so ranks never tie or gap.
func (t *sqlTx) Rank(ctx context.Context, taskID, userID string) (int, error) {
	query := `
		SELECT 1 + COUNT(*)
		FROM best_submissions o
		JOIN best_submissions m
		  ON m.task_id = o.task_id
		WHERE m.task_id = $1 AND m.user_id = $2
		  AND (o.code_length, o.achieved_at, o.user_id)
		    < (m.code_length, m.achieved_at, m.user_id)
	`
	var rank int
	if err := t.tx.GetContext(ctx, &rank, query, taskID, userID); err != nil {
		return 0, err
	}
	return rank, nil
}

func (t *sqlTx) InsertPoints(ctx context.Context, taskID, userID string, points int) (UpsertOutcome, error) {
	query := `
		INSERT INTO task_points (task_id, user_id, points, awarded_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_id, user_id) DO NOTHING
	`
	res, err := t.tx.ExecContext(ctx, query, taskID, userID, points)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 1 {
		return OutcomeCreated, nil
	}
	return OutcomeAlreadyExists, nil
}
