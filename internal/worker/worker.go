package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golfarena/arena-be/internal/ranking"
	"github.com/golfarena/arena-be/internal/sandbox"
	"github.com/golfarena/arena-be/internal/taskclient"
	"github.com/golfarena/arena-be/internal/worker/domain"
	"github.com/golfarena/arena-be/shared/rabbitmq"
)

// JobStore is the queue persistence surface the worker depends on.
type JobStore interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimOldestQueued(ctx context.Context) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID, errorMsg string) error
	Heartbeat(ctx context.Context, jobID string) error
	RecoverStale(ctx context.Context, staleAfterSeconds, maxAttempts int) (int64, int64, error)
}

// BatchRunner executes one submission batch in the sandbox.
type BatchRunner interface {
	RunBatch(ctx context.Context, spec sandbox.BatchSpec) (*sandbox.BatchResult, error)
}

// TaskFetcher resolves task definitions.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (*taskclient.TaskDefinition, error)
}

// Scorer records a completed submission and updates ranking state.
type Scorer interface {
	Apply(ctx context.Context, sub *ranking.Submission, tier string) (*ranking.ApplyResult, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             JobStore
	Runner            BatchRunner
	Tasks             TaskFetcher
	Scorer            Scorer
	Rabbit            *rabbitmq.Client
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	MaxAttempts       int
	ClaimRetries      int
}

// Worker drives the bounded pool that executes and scores submission jobs.
// RabbitMQ notifications wake it promptly; a poll ticker claims anything a
// lost notification or stale-job recovery left behind.
type Worker struct {
	logger            *slog.Logger
	store             JobStore
	runner            BatchRunner
	tasks             TaskFetcher
	scorer            Scorer
	rabbit            *rabbitmq.Client
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	sweepInterval     time.Duration
	maxAttempts       int
	claimRetries      int
	workerID          string
	jobsChan          chan *domain.JobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		runner:            cfg.Runner,
		tasks:             cfg.Tasks,
		scorer:            cfg.Scorer,
		rabbit:            cfg.Rabbit,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
		sweepInterval:     cfg.SweepInterval,
		maxAttempts:       cfg.MaxAttempts,
		claimRetries:      cfg.ClaimRetries,
		workerID:          "arena-worker-" + uuid.New().String()[:8],
		jobsChan:          make(chan *domain.JobMessage, cfg.Concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start begins processing jobs until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
	)

	w.spawnWorkerPool(ctx)

	if w.rabbit != nil {
		deliveries, err := w.rabbit.Consume(w.workerID)
		if err != nil {
			return fmt.Errorf("failed to start notification consumer: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.dispatchNotifications(ctx, deliveries)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweepLoop(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping")
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker", slog.String("worker_id", w.workerID))
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
