// Package resilient routes audit writes to a fallback store while the primary
// is failing. A circuit breaker decides when to probe the primary again.
package resilient

import (
	"context"
	"fmt"
	"log/slog"

	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/circuit"
)

type Store struct {
	primary  audit.Store
	fallback audit.Store
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps primary with fallback. breaker may be nil, in which case a breaker
// with default thresholds is used.
func New(primary, fallback audit.Store, breaker *circuit.Breaker, opts ...Option) *Store {
	if breaker == nil {
		breaker = circuit.New("audit")
	}
	s := &Store{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append writes to the primary when the breaker allows it and to the fallback
// otherwise. An error is returned only when both paths fail.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if s.breaker.AllowPrimary() {
		err := s.primary.Append(ctx, event)
		if err == nil {
			if _, change := s.breaker.RecordSuccess(); change.Closed {
				s.logger.InfoContext(ctx, "audit primary recovered", "breaker", s.breaker.Name())
			}
			return nil
		}
		_, change := s.breaker.RecordFailure()
		if change.Opened {
			s.logger.WarnContext(ctx, "audit primary failing, using fallback",
				"breaker", s.breaker.Name(),
				"error", err,
			)
		}
		if ferr := s.fallback.Append(ctx, event); ferr != nil {
			return fmt.Errorf("audit primary: %w; fallback: %v", err, ferr)
		}
		return nil
	}
	return s.fallback.Append(ctx, event)
}
