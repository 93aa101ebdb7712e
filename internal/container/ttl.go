package container

import (
	"context"
	"time"
)

const defaultSweepInterval = time.Minute

// StartSweeper runs a background goroutine that periodically evicts idle
// registry entries until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session sweeper started", "interval", interval, "idle_timeout", r.idleTimeout)

		for {
			select {
			case <-ticker.C:
				if removed := r.Sweep(); removed > 0 {
					r.logger.Info("Session sweeper evicted idle sessions", "count", removed, "remaining", r.Len())
				}
			case <-ctx.Done():
				r.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
