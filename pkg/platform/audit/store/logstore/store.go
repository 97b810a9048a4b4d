// Package logstore writes audit events to a structured logger. It is the
// fallback sink when the primary store is unavailable.
package logstore

import (
	"context"
	"log/slog"

	audit "zkgate/pkg/platform/audit"
)

type Store struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	s.logger.InfoContext(ctx, event.Action,
		"log_type", "audit",
		"event", event.Action,
		"category", string(event.Category),
		"tenant_id", event.TenantID.String(),
		"program_identity", event.ProgramIdentity,
		"subject", event.Subject,
		"decision", event.Decision,
		"reason", event.Reason,
		"request_id", event.RequestID,
		"actor_id", event.ActorID,
		"client_ip", event.ClientIP,
		"client", event.Client,
		"timestamp", event.Timestamp,
	)
	return nil
}
