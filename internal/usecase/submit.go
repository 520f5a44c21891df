// Package usecase contains the application services: batch submission,
// job status and report views, cancellation, and the worker-side task
// processing pipeline.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
	"github.com/caretrace/provider-validator/internal/service/idempotency"
	"github.com/caretrace/provider-validator/pkg/normalize"
)

// MaxBatchProviders caps one submission. Larger imports are split by the
// caller; the cap bounds a single queue transaction.
const MaxBatchProviders = 500

// SubmitRequest is the decoded submission payload handed over by the
// transport layer. A nil Options means all sources enabled.
type SubmitRequest struct {
	Providers      []domain.ProviderInput
	Options        *domain.ValidationOptions
	Priority       domain.Priority
	IdempotencyKey string
}

// SubmitOutcome acknowledges an admitted or replayed submission.
// Deduplicated marks a replay of an earlier job.
type SubmitOutcome struct {
	JobID         string
	Status        domain.JobStatus
	ProviderCount int
	ProviderIDs   []string
	Deduplicated  bool
}

// SubmitService admits provider batches: it normalizes and validates the
// records, claims the idempotency key, guards queue backpressure and fans
// the worker tasks out in one queue transaction.
type SubmitService struct {
	Jobs          domain.JobRepository
	Queue         domain.TaskQueue
	Idem          domain.IdempotencyStore
	HighWaterMark int64

	now   func() time.Time
	newID func() string
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(jobs domain.JobRepository, queue domain.TaskQueue, idem domain.IdempotencyStore, highWaterMark int64) SubmitService {
	return SubmitService{
		Jobs:          jobs,
		Queue:         queue,
		Idem:          idem,
		HighWaterMark: highWaterMark,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// SubmitBatch validates and admits one batch. A resubmission carrying the
// same explicit key or the same payload fingerprint inside the record TTL
// replays the original job instead of creating a second one.
func (s SubmitService) SubmitBatch(ctx domain.Context, req SubmitRequest) (SubmitOutcome, error) {
	if len(req.Providers) == 0 {
		return SubmitOutcome{}, fmt.Errorf("%w: at least one provider required", domain.ErrInvalidArgument)
	}
	if len(req.Providers) > MaxBatchProviders {
		return SubmitOutcome{}, fmt.Errorf("%w: batch exceeds %d providers", domain.ErrInvalidArgument, MaxBatchProviders)
	}
	options := domain.DefaultValidationOptions()
	if req.Options != nil {
		options = *req.Options
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return SubmitOutcome{}, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, string(priority))
	}

	providers := make([]domain.ProviderInput, len(req.Providers))
	taskSets := make([][]domain.TaskType, len(req.Providers))
	seen := make(map[string]struct{}, len(req.Providers))
	tasksTotal := 0
	for i, raw := range req.Providers {
		p := normalizeProvider(raw)
		if p.ProviderID != "" {
			if _, dup := seen[p.ProviderID]; dup {
				return SubmitOutcome{}, fmt.Errorf("%w: duplicate provider_id %q in batch", domain.ErrInvalidArgument, p.ProviderID)
			}
			seen[p.ProviderID] = struct{}{}
		}
		enabled := options.EnabledTasks(p)
		if len(enabled) == 0 {
			return SubmitOutcome{}, fmt.Errorf("%w: provider %d enables no validation source", domain.ErrInvalidArgument, i)
		}
		providers[i] = p
		taskSets[i] = enabled
		tasksTotal += len(enabled)
	}

	// Fingerprint the canonical payload before minting ids, so identical
	// resubmissions hash identically whether or not the caller supplied
	// provider ids.
	fingerprint := idempotency.Fingerprint(providers, options)
	key := idempotency.KeyFor(req.IdempotencyKey, fingerprint)

	providerIDs := make([]string, len(providers))
	for i := range providers {
		if providers[i].ProviderID == "" {
			providers[i].ProviderID = s.newID()
		}
		providerIDs[i] = providers[i].ProviderID
	}
	jobID := s.newID()
	now := s.now().UTC()

	rec, created, err := s.Idem.PutPending(ctx, domain.IdempotencyRecord{
		Key:         key,
		Status:      domain.IdemPending,
		JobID:       jobID,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("op=submit.claim: %w", err)
	}
	if !created {
		// Replays are read-only, so they bypass the backpressure gate.
		return s.replay(ctx, rec, fingerprint)
	}

	if err := s.checkBackpressure(ctx, taskSets); err != nil {
		s.releaseClaim(ctx, rec, "queue backpressure")
		return SubmitOutcome{}, err
	}

	job := domain.Job{
		ID:            jobID,
		Status:        domain.JobPending,
		Priority:      priority,
		Options:       options,
		ProviderCount: len(providers),
		TasksTotal:    tasksTotal,
		IdemKey:       &key,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	jobProviders := make([]domain.JobProvider, len(providers))
	tasks := make([]domain.WorkerTask, 0, tasksTotal)
	for i, p := range providers {
		jobProviders[i] = domain.JobProvider{
			JobID:      jobID,
			ProviderID: p.ProviderID,
			Input:      p,
			TasksTotal: len(taskSets[i]),
		}
		for _, t := range taskSets[i] {
			tasks = append(tasks, domain.WorkerTask{
				TaskID:     s.newID(),
				Type:       t,
				JobID:      jobID,
				ProviderID: p.ProviderID,
				Provider:   p,
				Priority:   priority,
			})
		}
	}

	if err := s.Jobs.Create(ctx, job, jobProviders); err != nil {
		s.releaseClaim(ctx, rec, "job creation failed")
		return SubmitOutcome{}, err
	}
	if err := s.Queue.EnqueueBatch(ctx, tasks); err != nil {
		msg := "task enqueue failed"
		_ = s.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, &msg)
		s.releaseClaim(ctx, rec, msg)
		return SubmitOutcome{}, err
	}
	if err := s.Jobs.UpdateStatus(ctx, jobID, domain.JobRunning, nil); err != nil {
		// Tasks are already in flight; workers do not depend on this edge.
		observability.LoggerFromContext(ctx).Warn("job running transition failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}

	rec.Status = domain.IdemProcessing
	if err := s.Idem.Update(ctx, rec); err != nil {
		observability.LoggerFromContext(ctx).Warn("idempotency record not advanced",
			slog.String("key", rec.Key), slog.Any("error", err))
	}

	observability.JobsEnqueuedTotal.WithLabelValues(string(priority)).Inc()
	observability.LoggerFromContext(ctx).Info("batch admitted",
		slog.String("job_id", jobID),
		slog.Int("providers", len(providers)),
		slog.Int("tasks", tasksTotal),
		slog.String("priority", string(priority)))

	return SubmitOutcome{
		JobID:         jobID,
		Status:        domain.JobRunning,
		ProviderCount: len(providers),
		ProviderIDs:   providerIDs,
	}, nil
}

// replay answers a duplicate submission from the incumbent record. An
// explicit key reused for a different payload is a client error.
func (s SubmitService) replay(ctx domain.Context, rec domain.IdempotencyRecord, fingerprint string) (SubmitOutcome, error) {
	if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		return SubmitOutcome{}, fmt.Errorf("%w: idempotency key reused for a different payload", domain.ErrConflict)
	}
	out := SubmitOutcome{JobID: rec.JobID, Status: domain.JobPending, Deduplicated: true}
	if job, err := s.Jobs.Get(ctx, rec.JobID); err == nil {
		out.Status = job.Status
		out.ProviderCount = job.ProviderCount
	} else if len(rec.Response) > 0 {
		// Job row already swept; fall back to the cached completion payload.
		var cached struct {
			JobID         string           `json:"job_id"`
			Status        domain.JobStatus `json:"status"`
			ProviderCount int              `json:"provider_count"`
		}
		if jsonErr := json.Unmarshal(rec.Response, &cached); jsonErr == nil && cached.Status != "" {
			out.Status = cached.Status
			out.ProviderCount = cached.ProviderCount
		}
	}
	observability.LoggerFromContext(ctx).Info("duplicate batch replayed",
		slog.String("job_id", rec.JobID), slog.String("key", rec.Key))
	return out, nil
}

// checkBackpressure refuses fresh intake once any destination queue is at
// the high-water mark. Depth-read failures fail open: losing the depth
// signal must not stop intake.
func (s SubmitService) checkBackpressure(ctx domain.Context, taskSets [][]domain.TaskType) error {
	if s.HighWaterMark <= 0 {
		return nil
	}
	needed := map[domain.TaskType]bool{}
	for _, set := range taskSets {
		for _, t := range set {
			needed[t] = true
		}
	}
	for _, t := range domain.AllTaskTypes() {
		if !needed[t] {
			continue
		}
		depth, err := s.Queue.PendingDepth(ctx, t)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("queue depth unavailable",
				slog.String("queue", t.Queue()), slog.Any("error", err))
			continue
		}
		if depth >= s.HighWaterMark {
			return fmt.Errorf("%w: %s at %d pending tasks", domain.ErrBackpressure, t.Queue(), depth)
		}
	}
	return nil
}

// releaseClaim marks a fresh claim failed so the caller may resubmit; a
// failed record yields to the next PutPending.
func (s SubmitService) releaseClaim(ctx domain.Context, rec domain.IdempotencyRecord, reason string) {
	rec.Status = domain.IdemFailed
	if err := s.Idem.Update(ctx, rec); err != nil {
		observability.LoggerFromContext(ctx).Warn("idempotency claim not released",
			slog.String("key", rec.Key), slog.String("reason", reason), slog.Any("error", err))
	}
}

// normalizeProvider cleans every submitted field once at intake so the
// adapters, the fingerprint and the stored snapshot all see the same
// canonical record.
func normalizeProvider(p domain.ProviderInput) domain.ProviderInput {
	return domain.ProviderInput{
		ProviderID:    strings.TrimSpace(p.ProviderID),
		Identifier:    normalize.Identifier(p.Identifier),
		GivenName:     normalize.Name(p.GivenName),
		FamilyName:    normalize.Name(p.FamilyName),
		PracticeName:  normalize.Text(p.PracticeName),
		Specialty:     normalize.Text(p.Specialty),
		AddressLine1:  normalize.Text(p.AddressLine1),
		AddressLine2:  normalize.Text(p.AddressLine2),
		City:          normalize.Text(p.City),
		State:         normalize.StateCode(p.State),
		PostalCode:    normalize.PostalCode(p.PostalCode),
		PlaceID:       strings.TrimSpace(p.PlaceID),
		Phone:         normalize.Phone(p.Phone),
		Email:         normalize.Email(p.Email),
		LicenseNumber: normalize.Identifier(p.LicenseNumber),
		LicenseState:  normalize.StateCode(p.LicenseState),
		DocumentRef:   strings.TrimSpace(p.DocumentRef),
	}
}
