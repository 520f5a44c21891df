package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
)

// StuckJobSweeper fails jobs that have made no progress for maxAge. It is
// the liveness backstop for tasks lost to crashes outside the redelivery
// window: the status flip frees the caller to resubmit, and releasing the
// idempotency claim lets the resubmission through.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	idem     domain.IdempotencyStore
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper constructs the sweeper. A nil jobs repository yields
// a nil sweeper, which Run treats as a no-op.
func NewStuckJobSweeper(jobs domain.JobRepository, idem domain.IdempotencyStore, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, idem: idem, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately and then on every interval tick until the
// context ends.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	const pageLimit = 100
	statuses := []domain.JobStatus{domain.JobPending, domain.JobRunning}
	span.SetAttributes(
		attribute.Int("jobs.page_limit", pageLimit),
		attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()),
	)

	totalChecked := 0
	totalFailed := 0

	for {
		jobs, err := s.jobs.ListStale(ctx, statuses, s.maxAge, pageLimit)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		totalChecked += len(jobs)

		failedThisPage := 0
		for _, j := range jobs {
			msg := fmt.Sprintf("no progress for %v; failed by sweeper", s.maxAge)
			err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobFailed, &msg)
			switch {
			case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
				// Finished or vanished between list and update.
				continue
			case err != nil:
				slog.Error("stuck job sweep failed to update job status",
					slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			failedThisPage++
			observability.JobsFailedTotal.Inc()
			slog.Warn("stuck job failed by sweeper",
				slog.String("job_id", j.ID),
				slog.String("was_status", string(j.Status)),
				slog.Time("last_update", j.UpdatedAt))
			s.releaseClaim(ctx, j)
		}
		totalFailed += failedThisPage

		// Failed jobs leave the stale set; a page that shrank below the
		// limit, or one where nothing could be updated, ends the sweep.
		if len(jobs) < pageLimit || failedThisPage == 0 {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_failed", totalFailed),
	)
}

// releaseClaim flips the job's idempotency record to failed so a retry of
// the same payload is admitted as a fresh job.
func (s *StuckJobSweeper) releaseClaim(ctx context.Context, j domain.Job) {
	if s.idem == nil || j.IdemKey == nil || *j.IdemKey == "" {
		return
	}
	rec, err := s.idem.Get(ctx, *j.IdemKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("stuck job claim lookup failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
		return
	}
	if rec.JobID != j.ID {
		return
	}
	rec.Status = domain.IdemFailed
	if err := s.idem.Update(ctx, rec); err != nil {
		slog.Warn("stuck job claim release failed",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}
}
