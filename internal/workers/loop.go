package workers

import (
	"context"
	"log/slog"
	"time"
)

// WorkerFunc defines the function signature for work performed by a worker loop.
// It returns the number of items processed and any error encountered.
type WorkerFunc func(ctx context.Context) (int, error)

// Run calls workerFunc every interval until ctx is cancelled. Each run is
// bounded by runTimeout when it is positive.
func Run(ctx context.Context, name string, interval, runTimeout time.Duration, workerFunc WorkerFunc) {
	logger := slog.With("worker", name)
	logger.InfoContext(ctx, "worker starting", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "worker stopping")
			return
		case <-ticker.C:
			runWork(ctx, logger, runTimeout, workerFunc)
		}
	}
}

// runWork executes a single pass of work with a timeout.
func runWork(ctx context.Context, logger *slog.Logger, runTimeout time.Duration, workerFunc WorkerFunc) {
	runCtx := ctx
	if runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	processedCount, err := workerFunc(runCtx)
	if err != nil {
		logger.ErrorContext(ctx, "worker run failed", slog.Any("error", err))
		return
	}
	if processedCount > 0 {
		logger.DebugContext(ctx, "worker processed items", slog.Int("count", processedCount))
	}
}
