package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/golfarena/arena-be/internal/ranking"
	"github.com/golfarena/arena-be/internal/sandbox"
	"github.com/golfarena/arena-be/internal/taskclient"
	"github.com/golfarena/arena-be/internal/worker/domain"
)

// jobResult is the serialized verdict stored on the job row for polling.
type jobResult struct {
	Outcome     sandbox.Outcome      `json:"outcome"`
	TestsPassed int                  `json:"tests_passed"`
	TestsTotal  int                  `json:"tests_total"`
	Tests       []sandbox.TestReport `json:"tests"`
	RuntimeMs   int64                `json:"runtime_ms"`
	CodeLength  int                  `json:"code_length"`
	Ranking     *ranking.ApplyResult `json:"ranking,omitempty"`
}

// processJob claims one job, executes the batch and records the verdict.
// An empty JobID means "claim the oldest queued job"; a lost claim race is
// not an error, the job is simply someone else's.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	var (
		job *domain.Job
		err error
	)
	if msg.JobID == "" {
		job, err = w.claimWithRetry(ctx, func() (*domain.Job, error) {
			return w.store.ClaimOldestQueued(ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to claim queued job: %w", err)
		}
		if job == nil {
			return nil
		}
	} else {
		job, err = w.claimWithRetry(ctx, func() (*domain.Job, error) {
			return w.store.ClaimJob(ctx, msg.JobID)
		})
		if err != nil {
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				w.logger.Debug("Job already claimed, skipping",
					slog.String("job_id", msg.JobID),
				)
				return nil
			}
			return fmt.Errorf("failed to claim job: %w", err)
		}
	}

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("task_id", job.TaskID),
		slog.String("user_id", job.UserID),
		slog.Int("attempt", job.AttemptCount),
	)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(ctx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	var payload domain.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		_ = w.store.FailJob(ctx, job.ID, fmt.Sprintf("invalid job payload: %v", err))
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	task, err := w.tasks.GetTask(ctx, job.TaskID)
	if err != nil {
		return w.finishWithError(ctx, job, payload.Code, fmt.Sprintf("task definition unavailable: %v", err))
	}

	spec := sandbox.BatchSpec{
		Code:           payload.Code,
		ParamNames:     task.ParamNames,
		Cases:          convertCases(task.Tests),
		AllowedImports: task.Constraints.AllowedImports,
	}
	if task.Constraints.PerTestTimeoutMs > 0 {
		spec.PerTestTimeout = time.Duration(task.Constraints.PerTestTimeoutMs) * time.Millisecond
	}

	batch, err := w.runner.RunBatch(ctx, spec)
	if err != nil {
		// timeout, output limit or infrastructure: no trustworthy verdict
		return w.finishWithError(ctx, job, payload.Code, err.Error())
	}

	submission := &ranking.Submission{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		UserID:      job.UserID,
		TaskID:      job.TaskID,
		Code:        payload.Code,
		CodeLength:  len(payload.Code),
		Outcome:     string(batch.Outcome),
		TestsPassed: batch.TestsPassed,
		TestsTotal:  batch.TestsTotal,
		RuntimeMs:   batch.RuntimeMs,
		CreatedAt:   time.Now(),
	}

	applied, err := w.scorer.Apply(ctx, submission, task.Tier)
	if err != nil {
		failMsg := fmt.Sprintf("failed to record result: %v", err)
		_ = w.store.FailJob(ctx, job.ID, failMsg)
		return fmt.Errorf("failed to apply ranking for job %s: %w", job.ID, err)
	}

	resultDoc := jobResult{
		Outcome:     batch.Outcome,
		TestsPassed: batch.TestsPassed,
		TestsTotal:  batch.TestsTotal,
		Tests:       batch.Tests,
		RuntimeMs:   batch.RuntimeMs,
		CodeLength:  submission.CodeLength,
	}
	if batch.Outcome == sandbox.OutcomePass {
		resultDoc.Ranking = applied
	}

	encoded, err := json.Marshal(resultDoc)
	if err != nil {
		_ = w.store.FailJob(ctx, job.ID, fmt.Sprintf("failed to encode result: %v", err))
		return fmt.Errorf("failed to encode result for job %s: %w", job.ID, err)
	}

	if err := w.store.CompleteJob(ctx, job.ID, encoded); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("outcome", string(batch.Outcome)),
		slog.Int("tests_passed", batch.TestsPassed),
		slog.Int("tests_total", batch.TestsTotal),
	)
	return nil
}

const claimRetryDelay = 100 * time.Millisecond

// claimWithRetry retries transient claim failures a bounded number of
// times. A lost race (ErrJobAlreadyClaimed) is final, not transient, and
// the notification is acked either way, so giving up here defers the job
// to the next poll tick.
func (w *Worker) claimWithRetry(ctx context.Context, claim func() (*domain.Job, error)) (*domain.Job, error) {
	attempts := w.claimRetries
	if attempts < 1 {
		attempts = 1
	}

	var (
		job *domain.Job
		err error
	)
	for i := 0; i < attempts; i++ {
		job, err = claim()
		if err == nil || errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return job, err
		}
		if i < attempts-1 {
			w.logger.Warn("Job claim failed, retrying",
				slog.Int("attempt", i+1),
				slog.Int("max_attempts", attempts),
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(claimRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, err
}

// finishWithError records an error-outcome submission and fails the job.
// The submission row keeps the attempt visible even though no verdict on
// the code itself was obtained.
func (w *Worker) finishWithError(ctx context.Context, job *domain.Job, code, errorMsg string) error {
	submission := &ranking.Submission{
		ID:           uuid.New().String(),
		JobID:        job.ID,
		UserID:       job.UserID,
		TaskID:       job.TaskID,
		Code:         code,
		CodeLength:   len(code),
		Outcome:      string(sandbox.OutcomeError),
		ErrorMessage: errorMsg,
		CreatedAt:    time.Now(),
	}

	if _, err := w.scorer.Apply(ctx, submission, ""); err != nil {
		w.logger.Error("Failed to record error submission",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := w.store.FailJob(ctx, job.ID, errorMsg); err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}

	w.logger.Warn("Job failed",
		slog.String("job_id", job.ID),
		slog.String("error", errorMsg),
	)
	return nil
}

// sendJobHeartbeat periodically refreshes the job's liveness timestamp so
// the stale sweep does not requeue a job that is genuinely still running.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func convertCases(tests []taskclient.TestCase) []sandbox.TestCase {
	cases := make([]sandbox.TestCase, len(tests))
	for i, tc := range tests {
		cases[i] = sandbox.TestCase{
			Args:     tc.Args,
			Expected: tc.Expected,
			Hidden:   tc.Hidden,
		}
	}
	return cases
}
