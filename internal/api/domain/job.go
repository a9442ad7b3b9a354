package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Job status constants. A job is "active" while QUEUED or RUNNING; the
// dedup-key uniqueness constraint only applies to active jobs.
const (
	JobStatusQueued  = "QUEUED"
	JobStatusRunning = "RUNNING"
	JobStatusDone    = "DONE"
	JobStatusFailed  = "FAILED"
)

// SubmissionJob is the persisted queue row for one submission request.
type SubmissionJob struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	TaskID          string          `db:"task_id"`
	DedupKey        string          `db:"dedup_key"`
	Payload         json.RawMessage `db:"payload"`
	Status          string          `db:"status"`
	AttemptCount    int             `db:"attempt_count"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       *time.Time      `db:"started_at"`
	FinishedAt      *time.Time      `db:"finished_at"`
	LastHeartbeatAt *time.Time      `db:"last_heartbeat_at"`
	Result          json.RawMessage `db:"result"`
	ErrorMessage    *string         `db:"error_message"`
}

// JobPayload is the serialized submission carried by a job row.
type JobPayload struct {
	Code   string `json:"code"`
	TaskID string `json:"task_id"`
}

var (
	// ErrQueueFull is returned when the active-job ceiling is reached.
	// Callers surface it as backpressure rather than queueing unboundedly.
	ErrQueueFull = errors.New("submission queue is full")

	// ErrJobNotFound is returned when a job cannot be found for the given
	// id, owner and task. Cross-owner and cross-task lookups look identical
	// to a missing job on purpose.
	ErrJobNotFound = errors.New("job not found")
)
