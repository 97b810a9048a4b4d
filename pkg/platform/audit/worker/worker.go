package worker

import (
	"context"
	"log/slog"

	audit "zkgate/pkg/platform/audit"
)

// Worker consumes audit events from a channel and persists them until the
// channel is closed. Append failures are logged and do not stop the worker.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	logger *slog.Logger
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run drains the inbox. It returns when the inbox is closed.
func (w *Worker) Run(ctx context.Context) {
	for event := range w.inbox {
		if err := w.store.Append(ctx, event); err != nil {
			w.logger.ErrorContext(ctx, "failed to persist audit event",
				"action", event.Action,
				"tenant_id", event.TenantID,
				"error", err,
			)
		}
	}
}
