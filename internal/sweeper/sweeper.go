// Package sweeper ends practice sessions that have gone quiet.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Abandoner ends sessions idle for longer than ttl and reports how many.
type Abandoner interface {
	AbandonIdle(ctx context.Context, ttl time.Duration) (int, error)
}

// Start runs a background goroutine that periodically marks idle sessions
// abandoned. It returns a channel closed once the goroutine exits.
func Start(ctx context.Context, a Abandoner, interval, ttl time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Idle session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, a, ttl)
			case <-ctx.Done():
				slog.Info("Idle session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweep(ctx context.Context, a Abandoner, ttl time.Duration) {
	n, err := a.AbandonIdle(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Idle session sweep failed", "error", err, "abandoned", n)
		return
	}
	if n > 0 {
		slog.Info("Idle sessions abandoned", "count", n)
	}
}
