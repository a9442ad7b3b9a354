package handler

import (
	"context"
	"log/slog"

	"github.com/golfarena/arena-be/internal/api/domain"
	"github.com/golfarena/arena-be/internal/api/storage"
	"github.com/golfarena/arena-be/internal/ratelimit"
	"github.com/golfarena/arena-be/internal/taskclient"
)

// SubmissionStore is the persistence surface the handlers depend on.
type SubmissionStore interface {
	EnqueueSubmission(ctx context.Context, job *domain.SubmissionJob) (string, bool, error)
	GetJobForOwner(ctx context.Context, jobID, userID, taskID string) (*domain.SubmissionJob, error)
	Leaderboard(ctx context.Context, taskID string, limit int) ([]storage.LeaderboardEntry, error)
}

// TaskFetcher resolves task definitions from the task-authoring service.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (*taskclient.TaskDefinition, error)
}

// Notifier wakes the worker pool after a job is persisted.
type Notifier interface {
	Publish(ctx context.Context, body []byte) error
}

// RateLimiter makes per-scope admission decisions.
type RateLimiter interface {
	Allow(ctx context.Context, scope ratelimit.Scope, key string) ratelimit.Decision
}

// Dependencies wires the handlers.
type Dependencies struct {
	Logger  *slog.Logger
	Store   SubmissionStore
	Tasks   TaskFetcher
	Notify  Notifier
	Limiter RateLimiter
}

// SubmissionHandler serves the submission intake and polling endpoints.
type SubmissionHandler struct {
	logger  *slog.Logger
	store   SubmissionStore
	tasks   TaskFetcher
	notify  Notifier
	limiter RateLimiter
}

// NewSubmissionHandler creates a handler from its dependencies.
func NewSubmissionHandler(deps *Dependencies) *SubmissionHandler {
	return &SubmissionHandler{
		logger:  deps.Logger,
		store:   deps.Store,
		tasks:   deps.Tasks,
		notify:  deps.Notify,
		limiter: deps.Limiter,
	}
}
