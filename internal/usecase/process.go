package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
	"github.com/caretrace/provider-validator/internal/service/fusion"
)

// ProcessService runs one worker task end to end: cancellation gate,
// source adapter call, result persistence, progress accounting, fusion
// and job completion. It is the queue consumer's task handler; a returned
// error always means infrastructure failed and the delivery must repeat.
//
// Every step tolerates redelivery: results deduplicate by task id, fusion
// is deterministic, the report save is an upsert and the fused flag and
// the completed status are compare-and-set.
type ProcessService struct {
	Jobs     domain.JobRepository
	Results  domain.ResultRepository
	Reports  domain.ReportRepository
	Idem     domain.IdempotencyStore
	Adapters map[domain.TaskType]domain.SourceAdapter

	now func() time.Time
}

// NewProcessService constructs a ProcessService over the given adapters.
func NewProcessService(jobs domain.JobRepository, results domain.ResultRepository, reports domain.ReportRepository, idem domain.IdempotencyStore, adapters map[domain.TaskType]domain.SourceAdapter) ProcessService {
	return ProcessService{
		Jobs:     jobs,
		Results:  results,
		Reports:  reports,
		Idem:     idem,
		Adapters: adapters,
		now:      time.Now,
	}
}

// Handle processes one delivered task.
func (s ProcessService) Handle(ctx domain.Context, task domain.WorkerTask) error {
	lg := observability.LoggerFromContext(ctx)

	if !task.Type.Valid() || task.JobID == "" || task.ProviderID == "" {
		// Malformed tasks would redeliver forever; drop them loudly.
		lg.Error("dropping malformed task", slog.String("type", string(task.Type)))
		return nil
	}
	adapter, ok := s.Adapters[task.Type]
	if !ok {
		return fmt.Errorf("op=process: no adapter registered for %s", task.Type)
	}

	skip, err := s.jobGone(ctx, task.JobID)
	if err != nil {
		return err
	}
	if skip {
		lg.Info("task skipped, job cancelled or gone")
		return nil
	}

	started := s.now()
	result := adapter.Execute(ctx, task)
	observability.ObserveTask(string(task.Type), s.now().Sub(started), result.Success)

	// Re-check before persisting: evidence arriving after a cancel is
	// discarded, never fused.
	skip, err = s.jobGone(ctx, task.JobID)
	if err != nil {
		return err
	}
	if skip {
		lg.Info("result discarded, job cancelled or gone")
		return nil
	}

	inserted, err := s.Results.Append(ctx, result)
	if err != nil {
		return err
	}
	if !inserted {
		// Redelivery: the first delivery persisted the result but may have
		// died before fusing. Skip the counters and re-check only whether
		// this provider still needs its report.
		lg.Info("duplicate delivery, result already recorded")
		return s.ensureFused(ctx, task.JobID, task.ProviderID, lg)
	}

	job, err := s.Jobs.RecordTaskOutcome(ctx, task.JobID, !result.Success)
	if err != nil {
		return ignoreGone(err)
	}
	provider, err := s.Jobs.CompleteProviderTask(ctx, task.JobID, task.ProviderID)
	if err != nil {
		return ignoreGone(err)
	}

	lg.Info("task recorded",
		slog.Bool("success", result.Success),
		slog.String("error_code", result.ErrorCode),
		slog.Int("attempts", result.Attempts),
		slog.Float64("job_progress", job.Progress()))

	if provider.TasksDone < provider.TasksTotal {
		return nil
	}
	results, err := s.Results.ListByProvider(ctx, task.JobID, task.ProviderID)
	if err != nil {
		return err
	}
	return s.fuseProvider(ctx, task.JobID, task.ProviderID, results, lg)
}

// ensureFused closes the redelivery gap: when every result for the
// provider is on record but the fused flag never flipped, fusion runs now.
func (s ProcessService) ensureFused(ctx domain.Context, jobID, providerID string, lg *slog.Logger) error {
	provider, err := s.Jobs.GetProvider(ctx, jobID, providerID)
	if err != nil {
		return ignoreGone(err)
	}
	if provider.Fused {
		return nil
	}
	results, err := s.Results.ListByProvider(ctx, jobID, providerID)
	if err != nil {
		return err
	}
	if len(results) < provider.TasksTotal {
		return nil
	}
	return s.fuseProvider(ctx, jobID, providerID, results, lg)
}

// fuseProvider aggregates the provider's results into its report. Fusion
// and the report save run before the fused flag flips: both are
// idempotent, so a crash in between is healed by the next redelivery,
// while the flag's compare-and-set keeps the job counter exact.
func (s ProcessService) fuseProvider(ctx domain.Context, jobID, providerID string, results []domain.WorkerResult, lg *slog.Logger) error {
	if len(results) == 0 {
		return nil
	}

	started := s.now()
	report := fusion.Fuse(jobID, providerID, results)
	if err := s.Reports.Save(ctx, report); err != nil {
		return err
	}
	observability.ObserveReport(string(report.Status), report.Overall, s.now().Sub(started))

	first, err := s.Jobs.MarkProviderFused(ctx, jobID, providerID)
	if err != nil {
		return ignoreGone(err)
	}
	if !first {
		return nil
	}

	job, err := s.Jobs.IncrementFusedCount(ctx, jobID)
	if err != nil {
		return ignoreGone(err)
	}

	lg.Info("provider fused",
		slog.String("report_status", string(report.Status)),
		slog.Float64("overall", report.Overall),
		slog.Int("flags", len(report.Flags)),
		slog.Int("fused", job.ProvidersFused),
		slog.Int("providers", job.ProviderCount))

	if job.ProvidersFused < job.ProviderCount {
		return nil
	}
	return s.completeJob(ctx, job, lg)
}

// completeJob marks the job completed once the last provider fuses and
// settles the idempotency record with the cached acknowledgement. Losing
// the status race to a concurrent cancel is fine; terminal is terminal.
func (s ProcessService) completeJob(ctx domain.Context, job domain.Job, lg *slog.Logger) error {
	if err := s.Jobs.UpdateStatus(ctx, job.ID, domain.JobCompleted, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	observability.JobsCompletedTotal.Inc()
	lg.Info("job completed",
		slog.Int("providers", job.ProviderCount),
		slog.Int("tasks_completed", job.TasksCompleted),
		slog.Int("tasks_failed", job.TasksFailed))

	if job.IdemKey != nil && *job.IdemKey != "" {
		s.settleClaim(ctx, *job.IdemKey, job)
	}
	return nil
}

// settleClaim completes the job's idempotency record with the response
// later duplicates replay. Best effort: the record may have expired.
func (s ProcessService) settleClaim(ctx domain.Context, key string, job domain.Job) {
	rec, err := s.Idem.Get(ctx, key)
	if err != nil || rec.JobID != job.ID {
		return
	}
	payload, err := json.Marshal(struct {
		JobID         string           `json:"job_id"`
		Status        domain.JobStatus `json:"status"`
		ProviderCount int              `json:"provider_count"`
	}{job.ID, domain.JobCompleted, job.ProviderCount})
	if err != nil {
		return
	}
	rec.Status = domain.IdemCompleted
	rec.Response = payload
	if err := s.Idem.Update(ctx, rec); err != nil {
		observability.LoggerFromContext(ctx).Warn("idempotency record not completed",
			slog.String("key", key), slog.Any("error", err))
	}
}

// jobGone reports whether the task's job is cancelled or no longer exists;
// either way the task has nothing to account to.
func (s ProcessService) jobGone(ctx domain.Context, jobID string) (bool, error) {
	cancelled, err := s.Jobs.IsCancelled(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// ignoreGone swallows ErrNotFound: a job or provider row deleted mid-task
// (retention sweep) leaves nothing to update and must not force a
// redelivery loop.
func ignoreGone(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
