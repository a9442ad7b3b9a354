package dto

import "encoding/json"

// SubmitRequest is the body of POST /api/v1/submissions.
type SubmitRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// PollResponse reports job progress. Result is present only for DONE,
// Error only for FAILED; fail (wrong code) and error (no trustworthy
// signal) stay distinguishable inside Result.
type PollResponse struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
