package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/golfarena/arena-be/internal/api/domain"
	"github.com/golfarena/arena-be/internal/api/dto"
	"github.com/golfarena/arena-be/internal/ratelimit"
	"github.com/golfarena/arena-be/internal/sandbox"
	"github.com/golfarena/arena-be/internal/taskclient"
)

// userIDHeader carries the authenticated identity. Authentication itself is
// handled upstream; this service only consumes the resolved identity.
const userIDHeader = "X-User-ID"

// Submit handles POST /api/v1/submissions. Validation failures never enter
// the queue; a full queue surfaces as 503 backpressure.
func (h *SubmissionHandler) Submit(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	var req dto.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid submit request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !h.allow(c, ratelimit.ScopeSubmit, userID+":"+req.TaskID) {
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, taskclient.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		h.logger.Error("Failed to fetch task definition",
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task service unavailable"})
		return
	}

	if err := sandbox.ValidateExpression(req.Code, task.Constraints.DeniedTokens); err != nil {
		var verr *sandbox.ValidationError
		reason := "submission rejected"
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	payload, err := json.Marshal(domain.JobPayload{Code: req.Code, TaskID: req.TaskID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode submission"})
		return
	}

	job := &domain.SubmissionJob{
		ID:       uuid.New().String(),
		UserID:   userID,
		TaskID:   req.TaskID,
		DedupKey: dedupKey(userID, req.TaskID, req.Code),
		Payload:  payload,
	}

	jobID, created, err := h.store.EnqueueSubmission(c.Request.Context(), job)
	if err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy, retry later"})
			return
		}
		h.logger.Error("Failed to enqueue submission", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue submission"})
		return
	}

	if created {
		// A lost notification is not fatal: the worker's poll sweep picks
		// the job up from the queued state.
		body, _ := json.Marshal(map[string]string{"job_id": jobID})
		if err := h.notify.Publish(c.Request.Context(), body); err != nil {
			h.logger.Warn("Failed to publish job notification",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.JSON(http.StatusAccepted, dto.SubmitResponse{
		JobID:        jobID,
		Status:       domain.JobStatusQueued,
		Deduplicated: !created,
	})
}

// Poll handles GET /api/v1/submissions/:job_id. The caller must be the
// job's owner and must address the job's task; anything else is a 404.
func (h *SubmissionHandler) Poll(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	jobID := c.Param("job_id")
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	if !h.allow(c, ratelimit.ScopePoll, userID+":"+taskID) {
		return
	}

	job, err := h.store.GetJobForOwner(c.Request.Context(), jobID, userID, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	resp := dto.PollResponse{JobID: job.ID, Status: job.Status}
	switch job.Status {
	case domain.JobStatusDone:
		resp.Result = job.Result
	case domain.JobStatusFailed:
		if job.ErrorMessage != nil {
			resp.Error = *job.ErrorMessage
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Leaderboard handles GET /api/v1/tasks/:task_id/leaderboard.
func (h *SubmissionHandler) Leaderboard(c *gin.Context) {
	taskID := c.Param("task_id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.store.Leaderboard(c.Request.Context(), taskID, limit)
	if err != nil {
		h.logger.Error("Failed to load leaderboard", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "entries": entries})
}

// allow applies one rate-limit scope and writes the 429 response when the
// request is rejected.
func (h *SubmissionHandler) allow(c *gin.Context, scope ratelimit.Scope, key string) bool {
	decision := h.limiter.Allow(c.Request.Context(), scope, key)
	if decision.Allowed {
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		return true
	}

	retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate limit exceeded",
		"retry_after": retryAfter,
	})
	return false
}

// dedupKey groups identical retried submissions so only one executes.
func dedupKey(userID, taskID, code string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", userID, taskID, code)))
	return hex.EncodeToString(sum[:])
}
