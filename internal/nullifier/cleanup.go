package nullifier

import (
	"context"
	"log/slog"
	"time"
)

// Expirer is implemented by backends that cannot expire rows on their own.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StartCleanup purges expired tokens every interval until ctx is cancelled.
// Purge failures are logged and retried on the next tick.
func StartCleanup(ctx context.Context, store Expirer, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				if logger != nil {
					logger.WarnContext(ctx, "nullifier cleanup failed", "error", err)
				}
				continue
			}
			if n > 0 && logger != nil {
				logger.DebugContext(ctx, "nullifier cleanup", "removed", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
