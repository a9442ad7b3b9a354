package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golfarena/arena-be/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine. Job
// retry policy lives in the database, so notifications are acked regardless
// of the processing result; a job whose worker died comes back through
// stale recovery, not a broker redelivery.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			if err := w.processJob(ctx, msg); err != nil {
				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
			}

			w.ackDelivery(msg)
		}
	}
}

func (w *Worker) ackDelivery(msg *domain.JobMessage) {
	if msg.DeliveryTag == 0 || w.rabbit == nil {
		return
	}

	channel := w.rabbit.Channel()
	if channel == nil {
		w.logger.Error("Failed to get RabbitMQ channel for ACK",
			slog.String("job_id", msg.JobID),
		)
		return
	}

	if err := channel.Ack(msg.DeliveryTag, false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}
}
