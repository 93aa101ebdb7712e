package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// StartRetentionWorker prunes audit events older than retention once at
// start and then every interval until ctx is done.
func StartRetentionWorker(ctx context.Context, repo AuditRepository, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = retentionInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	prune := func() {
		deleted, err := repo.PruneAudit(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Audit retention failed", "error", err)
			}
			return
		}
		if deleted > 0 {
			logger.Info("Audit retention pruned events", "count", deleted)
		}
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Audit retention worker started", "interval", interval, "retention", retention)
		prune()

		for {
			select {
			case <-ticker.C:
				prune()
			case <-ctx.Done():
				logger.Info("Audit retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
