package river

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
)

// StoreEventWorker processes lifecycle event jobs from the River queue.
// For now it logs the event; future versions will dispatch to webhooks
// or notification systems.
type StoreEventWorker struct {
	river.WorkerDefaults[StoreEventArgs]
}

// Work processes a single lifecycle event job.
func (w *StoreEventWorker) Work(ctx context.Context, job *river.Job[StoreEventArgs]) error {
	slog.InfoContext(ctx, "processing store event",
		"event", job.Args.Event,
		"store_id", job.Args.StoreID,
		"store_slug", job.Args.Slug,
		"store_status", job.Args.Status,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	return nil
}
