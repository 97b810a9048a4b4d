// Package nullifier records single-use tokens. Consume is the gateway's replay
// barrier: every backend implements it as one atomic insert-if-absent, so of N
// concurrent callers presenting the same token exactly one succeeds.
package nullifier

import (
	"context"
	"fmt"
	"time"

	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
)

// Store consumes tokens.
type Store interface {
	// Consume marks token as used for ttl; a zero ttl keeps it forever. It
	// returns an error wrapping sentinel.ErrAlreadyUsed when the token is
	// already present and unexpired.
	Consume(ctx context.Context, token domain.Nullifier, ttl time.Duration) error
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

func validateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("nullifier ttl must not be negative, got %s", ttl)
	}
	return nil
}

// expiry returns the absolute expiry for ttl, or the zero time for "never".
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func alreadyUsed(token domain.Nullifier) error {
	return fmt.Errorf("nullifier %s: %w", token, sentinel.ErrAlreadyUsed)
}
