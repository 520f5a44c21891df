package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService removes jobs that have aged past the retention window.
// Provider rows, worker results and reports ride the ON DELETE CASCADE.
type CleanupService struct {
	pool          PgxPool
	retentionDays int
}

// NewCleanupService constructs the sweeper; retentionDays <= 0 falls back
// to 90 days.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{pool: pool, retentionDays: retentionDays}
}

// CleanupOldData performs a single sweep.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.sweep: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("retention sweep removed jobs",
			slog.Int64("deleted_jobs", n),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// RunPeriodic sweeps once immediately and then on every interval tick until
// the context ends. Intended to run as a goroutine from the worker process.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial retention sweep failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
