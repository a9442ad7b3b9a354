package worker

import (
	"context"
	"log/slog"
	"time"
)

// sweepLoop periodically requeues jobs whose heartbeat went silent. Jobs
// that already burned through their attempt ceiling are failed instead of
// looping forever.
func (w *Worker) sweepLoop(ctx context.Context) {
	interval := w.sweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, failed, err := w.store.RecoverStale(ctx, int(w.staleAfter.Seconds()), w.maxAttempts)
			if err != nil {
				w.logger.Error("Stale job sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if requeued > 0 || failed > 0 {
				w.logger.Info("Recovered stale jobs",
					slog.Int64("requeued", requeued),
					slog.Int64("failed", failed),
				)
			}
		}
	}
}
