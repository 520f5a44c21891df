package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/caretrace/provider-validator/internal/domain"
)

// In-memory fakes implementing the ports with the same contract the real
// adapters honor: terminal statuses refuse updates, results deduplicate by
// task id, the fused flag is compare-and-set.

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	providers map[string]domain.JobProvider

	createErr       error
	updateStatusErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:      map[string]domain.Job{},
		providers: map[string]domain.JobProvider{},
	}
}

func providerKey(jobID, providerID string) string { return jobID + "/" + providerID }

func (f *fakeJobs) Create(_ domain.Context, j domain.Job, providers []domain.JobProvider) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	for _, p := range providers {
		f.providers[providerKey(p.JobID, p.ProviderID)] = p
	}
	return nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	if f.updateStatusErr != nil {
		return f.updateStatusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrConflict
	}
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	}
	j.UpdatedAt = time.Now().UTC()
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) Cancel(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.Job{}, domain.ErrConflict
	}
	j.Status = domain.JobCancelled
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) IsCancelled(_ domain.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	return j.Status == domain.JobCancelled, nil
}

func (f *fakeJobs) RecordTaskOutcome(_ domain.Context, id string, failed bool) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if failed {
		j.TasksFailed++
	} else {
		j.TasksCompleted++
	}
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) GetProvider(_ domain.Context, jobID, providerID string) (domain.JobProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[providerKey(jobID, providerID)]
	if !ok {
		return domain.JobProvider{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeJobs) ListProviders(_ domain.Context, jobID string) ([]domain.JobProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobProvider
	for _, p := range f.providers {
		if p.JobID == jobID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeJobs) CompleteProviderTask(_ domain.Context, jobID, providerID string) (domain.JobProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := providerKey(jobID, providerID)
	p, ok := f.providers[key]
	if !ok {
		return domain.JobProvider{}, domain.ErrNotFound
	}
	p.TasksDone++
	f.providers[key] = p
	return p, nil
}

func (f *fakeJobs) MarkProviderFused(_ domain.Context, jobID, providerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := providerKey(jobID, providerID)
	p, ok := f.providers[key]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Fused {
		return false, nil
	}
	p.Fused = true
	f.providers[key] = p
	return true, nil
}

func (f *fakeJobs) IncrementFusedCount(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	j.ProvidersFused++
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) ListStale(_ domain.Context, statuses []domain.JobStatus, olderThan time.Duration, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []domain.Job
	for _, j := range f.jobs {
		for _, st := range statuses {
			if j.Status == st && j.UpdatedAt.Before(cutoff) {
				out = append(out, j)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	batches [][]domain.WorkerTask

	enqueueErr error
	depth      map[domain.TaskType]int64
	depthErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{depth: map[domain.TaskType]int64{}}
}

func (f *fakeQueue) EnqueueBatch(_ domain.Context, tasks []domain.WorkerTask) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]domain.WorkerTask, len(tasks))
	copy(batch, tasks)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeQueue) PendingDepth(_ domain.Context, t domain.TaskType) (int64, error) {
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth[t], nil
}

func (f *fakeQueue) tasks() []domain.WorkerTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WorkerTask
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type fakeIdem struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord

	putErr    error
	updateErr error
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{records: map[string]domain.IdempotencyRecord{}}
}

func (f *fakeIdem) PutPending(_ domain.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	if f.putErr != nil {
		return domain.IdempotencyRecord{}, false, f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[rec.Key]; ok && existing.Status != domain.IdemFailed {
		return existing, false, nil
	}
	now := time.Now().UTC()
	rec.Status = domain.IdemPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(24 * time.Hour)
	f.records[rec.Key] = rec
	return rec, true, nil
}

func (f *fakeIdem) Get(_ domain.Context, key string) (domain.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeIdem) Update(_ domain.Context, rec domain.IdempotencyRecord) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[rec.Key]; !ok {
		return domain.ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	f.records[rec.Key] = rec
	return nil
}

type fakeResults struct {
	mu      sync.Mutex
	results map[string]domain.WorkerResult

	appendErr error
}

func newFakeResults() *fakeResults {
	return &fakeResults{results: map[string]domain.WorkerResult{}}
}

func (f *fakeResults) Append(_ domain.Context, r domain.WorkerResult) (bool, error) {
	if f.appendErr != nil {
		return false, f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[r.TaskID]; ok {
		return false, nil
	}
	f.results[r.TaskID] = r
	return true, nil
}

func (f *fakeResults) ListByProvider(_ domain.Context, jobID, providerID string) ([]domain.WorkerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WorkerResult
	for _, r := range f.results {
		if r.JobID == jobID && r.ProviderID == providerID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeReports struct {
	mu      sync.Mutex
	reports map[string]domain.ValidationReport

	saveErr  error
	saveHook func()
	saves    int
}

func newFakeReports() *fakeReports {
	return &fakeReports{reports: map[string]domain.ValidationReport{}}
}

func (f *fakeReports) Save(_ domain.Context, rep domain.ValidationReport) error {
	if f.saveHook != nil {
		f.saveHook()
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.reports[providerKey(rep.JobID, rep.ProviderID)] = rep
	return nil
}

func (f *fakeReports) Get(_ domain.Context, jobID, providerID string) (domain.ValidationReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.reports[providerKey(jobID, providerID)]
	if !ok {
		return domain.ValidationReport{}, domain.ErrNotFound
	}
	return rep, nil
}

// fakeAdapter runs a canned execute function for one task type.
type fakeAdapter struct {
	taskType domain.TaskType
	execute  func(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult
}

func (f fakeAdapter) Type() domain.TaskType { return f.taskType }

func (f fakeAdapter) Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult {
	if f.execute != nil {
		return f.execute(ctx, task)
	}
	return succeededResult(task, 0.9)
}

func succeededResult(task domain.WorkerTask, conf float64) domain.WorkerResult {
	return domain.WorkerResult{
		TaskID:          task.TaskID,
		Type:            task.Type,
		JobID:           task.JobID,
		ProviderID:      task.ProviderID,
		Success:         true,
		Fields:          map[string]any{"given_name": "Jane"},
		FieldConfidence: map[string]float64{"given_name": conf},
		Confidence:      conf,
		Attempts:        1,
		CompletedAt:     time.Now().UTC(),
	}
}

func failedResult(task domain.WorkerTask, code string) domain.WorkerResult {
	return domain.WorkerResult{
		TaskID:       task.TaskID,
		Type:         task.Type,
		JobID:        task.JobID,
		ProviderID:   task.ProviderID,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: code,
		Attempts:     1,
		CompletedAt:  time.Now().UTC(),
	}
}

// sequentialIDs returns an id generator minting id-0001, id-0002, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}
