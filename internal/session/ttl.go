package session

import (
	"context"
	"log/slog"
	"time"
)

// EvictCallback is called for every session evicted by the TTL worker.
type EvictCallback func(sessionID string)

// StartTTLWorker runs a background goroutine that periodically evicts idle
// conversations from reg. It stops when ctx is done.
func StartTTLWorker(ctx context.Context, reg *Registry, ttl, interval time.Duration, onEvict EvictCallback) {
	if interval <= 0 {
		interval = ttl / 4
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				evicted := reg.Sweep(ttl)
				if len(evicted) == 0 {
					continue
				}
				for _, id := range evicted {
					if onEvict != nil {
						onEvict(id)
					}
				}
				slog.Info("TTL worker evicted idle sessions", "count", len(evicted))
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
