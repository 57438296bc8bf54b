package batch

import (
	"context"
	"time"

	"github.com/modelgate/modelgate/core/infra/logging"
)

const sweepPageSize = 200

// Reconciler periodically sweeps non-terminal batches so interrupted ones
// still reach a terminal state without a user-facing status query.
type Reconciler struct {
	manager      *Manager
	store        Store
	pollInterval time.Duration
}

func NewReconciler(manager *Manager, store Store, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Reconciler{manager: manager, store: store, pollInterval: pollInterval}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	logging.Info("reconciler", "batch sweep started", "interval", r.pollInterval)
	for {
		select {
		case <-ctx.Done():
			logging.Info("reconciler", "batch sweep stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	for _, status := range []Status{StatusCancelling, StatusRunning, StatusPending} {
		batches, err := r.store.List(ctx, status, sweepPageSize)
		if err != nil {
			logging.Error("reconciler", "list batches", "status", status, "error", err)
			continue
		}
		for _, b := range batches {
			if _, err := r.manager.Reconcile(ctx, b.ID); err != nil {
				// Transient backend errors; the next tick retries.
				logging.Warn("reconciler", "reconcile failed", "batch_id", b.ID, "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}
