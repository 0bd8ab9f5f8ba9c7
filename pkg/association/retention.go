package association

import (
	"context"
	"log/slog"
	"time"
)

// RetentionWorker periodically deletes old lifecycle events. Association
// rows are never touched: they are anonymized by wipe-data, not deleted.
type RetentionWorker struct {
	audit     *AuditStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewRetentionWorker creates a retention worker over the lifecycle event
// log. retentionDays <= 0 disables the worker; the sweep runs daily.
func NewRetentionWorker(audit *AuditStore, retentionDays int, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		audit:     audit,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		logger:    logger,
	}
}

// Run starts the worker. It runs until the context is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.audit == nil || w.retention <= 0 {
		w.logger.Info("lifecycle event retention disabled",
			"retentionDays", int(w.retention.Hours()/24))
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("lifecycle event retention started",
		"retentionDays", int(w.retention.Hours()/24),
		"interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("lifecycle event retention stopped")
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep performs a single retention pass.
func (w *RetentionWorker) sweep() {
	cutoff := time.Now().Add(-w.retention)
	deleted, err := w.audit.DeleteOlderThan(cutoff)
	if err != nil {
		w.logger.Error("lifecycle event retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("lifecycle events pruned",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
