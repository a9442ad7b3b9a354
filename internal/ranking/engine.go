package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// UpsertOutcome reports whether an insert created the row or lost to an
// existing one. Losing the race is an expected result, not a failure.
type UpsertOutcome int

const (
	// OutcomeCreated means this call inserted the row.
	OutcomeCreated UpsertOutcome = iota
	// OutcomeAlreadyExists means a row was already in place.
	OutcomeAlreadyExists
)

// Submission is the immutable record of one execution attempt.
type Submission struct {
	ID           string    `db:"id"`
	JobID        string    `db:"job_id"`
	UserID       string    `db:"user_id"`
	TaskID       string    `db:"task_id"`
	Code         string    `db:"code"`
	CodeLength   int       `db:"code_length"`
	Outcome      string    `db:"outcome"`
	TestsPassed  int       `db:"tests_passed"`
	TestsTotal   int       `db:"tests_total"`
	RuntimeMs    int64     `db:"runtime_ms"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// BestSubmission is a user's shortest known passing code for a task. Never
// deleted, only improved; length is monotonically non-increasing.
type BestSubmission struct {
	TaskID       string    `db:"task_id"`
	UserID       string    `db:"user_id"`
	SubmissionID string    `db:"submission_id"`
	CodeLength   int       `db:"code_length"`
	AchievedAt   time.Time `db:"achieved_at"`
}

// Tx is the set of ranking writes available inside one unit of work.
type Tx interface {
	InsertSubmission(ctx context.Context, sub *Submission) error
	InsertBest(ctx context.Context, best *BestSubmission) (UpsertOutcome, error)
	GetBest(ctx context.Context, taskID, userID string) (*BestSubmission, error)
	ImproveBest(ctx context.Context, best *BestSubmission) (bool, error)
	Rank(ctx context.Context, taskID, userID string) (int, error)
	InsertPoints(ctx context.Context, taskID, userID string, points int) (UpsertOutcome, error)
}

// Store runs ranking writes inside one atomic unit of work per job, so a
// crash cannot award points without a recorded best or vice versa.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// ApplyResult summarizes the ranking effect of one completed submission.
type ApplyResult struct {
	Rank          int  `json:"rank,omitempty"`
	BestLength    int  `json:"best_length,omitempty"`
	Improved      bool `json:"improved,omitempty"`
	PointsAwarded int  `json:"points_awarded,omitempty"`
}

// Engine maintains best submissions, live rank and points consistently
// under concurrent submitters.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine creates a ranking engine.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Apply records one completed submission. Non-passing submissions are
// recorded and nothing else changes. Passing submissions go through the
// insert-then-conflict-fallback path for both the best submission and the
// first-pass points, then read the live rank from durable state.
func (e *Engine) Apply(ctx context.Context, sub *Submission, tier string) (*ApplyResult, error) {
	result := &ApplyResult{}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertSubmission(ctx, sub); err != nil {
			return fmt.Errorf("failed to record submission: %w", err)
		}

		if sub.Outcome != "pass" {
			return nil
		}

		candidate := &BestSubmission{
			TaskID:       sub.TaskID,
			UserID:       sub.UserID,
			SubmissionID: sub.ID,
			CodeLength:   sub.CodeLength,
			AchievedAt:   sub.CreatedAt,
		}

		outcome, err := tx.InsertBest(ctx, candidate)
		if err != nil {
			return fmt.Errorf("failed to insert best submission: %w", err)
		}

		switch outcome {
		case OutcomeCreated:
			result.Improved = true
			result.BestLength = sub.CodeLength

		case OutcomeAlreadyExists:
			// a concurrent submission may have won the race; read the
			// winner back instead of erroring
			existing, err := tx.GetBest(ctx, sub.TaskID, sub.UserID)
			if err != nil {
				return fmt.Errorf("failed to read existing best: %w", err)
			}
			result.BestLength = existing.CodeLength

			// equal-or-longer never overwrites; ties keep the earlier
			// achievement so ranks do not churn
			if sub.CodeLength < existing.CodeLength {
				improved, err := tx.ImproveBest(ctx, candidate)
				if err != nil {
					return fmt.Errorf("failed to improve best submission: %w", err)
				}
				if improved {
					result.Improved = true
					result.BestLength = sub.CodeLength
				}
			}
		}

		rank, err := tx.Rank(ctx, sub.TaskID, sub.UserID)
		if err != nil {
			return fmt.Errorf("failed to compute rank: %w", err)
		}
		result.Rank = rank

		points := PointsForTier(tier)
		pointsOutcome, err := tx.InsertPoints(ctx, sub.TaskID, sub.UserID, points)
		if err != nil {
			return fmt.Errorf("failed to award points: %w", err)
		}
		if pointsOutcome == OutcomeCreated {
			result.PointsAwarded = points
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if sub.Outcome == "pass" {
		e.logger.Info("Ranking updated",
			slog.String("task_id", sub.TaskID),
			slog.String("user_id", sub.UserID),
			slog.Int("best_length", result.BestLength),
			slog.Int("rank", result.Rank),
			slog.Int("points_awarded", result.PointsAwarded),
		)
	}

	return result, nil
}

// PointsForTier returns the fixed first-pass award for a task tier.
func PointsForTier(tier string) int {
	switch tier {
	case "silver":
		return 25
	case "gold":
		return 50
	default:
		return 10
	}
}
