package usecase

import (
	"fmt"
	"log/slog"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
)

// CancelService stops a job. Cancellation is cooperative: the status flips
// immediately, in-flight tasks notice it at their next checkpoint and
// unprocessed tasks are dropped on delivery.
type CancelService struct {
	Jobs domain.JobRepository
	Idem domain.IdempotencyStore
}

// NewCancelService constructs a CancelService.
func NewCancelService(jobs domain.JobRepository, idem domain.IdempotencyStore) CancelService {
	return CancelService{Jobs: jobs, Idem: idem}
}

// Cancel transitions a non-terminal job to cancelled and releases its
// idempotency claim so the same payload may be submitted again.
// ErrConflict when the job is already terminal.
func (s CancelService) Cancel(ctx domain.Context, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.Cancel(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}

	if job.IdemKey != nil && *job.IdemKey != "" {
		s.releaseClaim(ctx, *job.IdemKey, job.ID)
	}

	observability.JobsCancelledTotal.Inc()
	observability.LoggerFromContext(ctx).Info("job cancelled",
		slog.String("job_id", job.ID),
		slog.Int("tasks_total", job.TasksTotal),
		slog.Int("tasks_done", job.TasksCompleted+job.TasksFailed))
	return job, nil
}

// releaseClaim marks the job's idempotency record failed. Guarded by job
// id so a record re-claimed by a newer submission is left alone.
func (s CancelService) releaseClaim(ctx domain.Context, key, jobID string) {
	rec, err := s.Idem.Get(ctx, key)
	if err != nil || rec.JobID != jobID {
		return
	}
	rec.Status = domain.IdemFailed
	if err := s.Idem.Update(ctx, rec); err != nil {
		observability.LoggerFromContext(ctx).Warn("idempotency claim not released on cancel",
			slog.String("key", key), slog.Any("error", err))
	}
}
