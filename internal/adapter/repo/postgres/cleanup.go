package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService removes terminal jobs and stale usage-log rows past the
// retention window. Documents, chunks, and findings are never touched; the
// pipeline keeps those indefinitely.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30 // default 30 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than retention period
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed')
		AND COALESCE(completed_on, created_on) < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM ai_usage_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.usage: %w", err)
	}
	deletedUsage := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_usage_rows", deletedUsage),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
