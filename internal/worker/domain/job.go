package domain

import "encoding/json"

// Job status constants mirrored from the persisted queue schema.
const (
	JobStatusQueued  = "QUEUED"
	JobStatusRunning = "RUNNING"
	JobStatusDone    = "DONE"
	JobStatusFailed  = "FAILED"
)

// Job is a claimed queue row ready for processing.
type Job struct {
	ID           string          `db:"id"`
	UserID       string          `db:"user_id"`
	TaskID       string          `db:"task_id"`
	Payload      json.RawMessage `db:"payload"`
	AttemptCount int             `db:"attempt_count"`
}

// JobPayload is the serialized submission inside a job row.
type JobPayload struct {
	Code   string `json:"code"`
	TaskID string `json:"task_id"`
}

// JobMessage is a unit of work handed to the worker pool. JobID is empty
// for sweep-found work, in which case the worker claims the oldest queued
// job itself; DeliveryTag is zero unless the message came from RabbitMQ.
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
