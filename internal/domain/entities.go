package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrRobotsBlocked     = errors.New("robots blocked")
	ErrBackpressure      = errors.New("queue backpressure")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// TaskType enumerates the worker task types, one per validation source.
type TaskType string

const (
	TaskIdentifierCheck TaskType = "identifier_check"
	TaskGeocode         TaskType = "geocode"
	TaskOCR             TaskType = "ocr"
	TaskLicenseCheck    TaskType = "license_check"
	TaskEnrichment      TaskType = "enrichment"
)

// AllTaskTypes returns every task type in canonical (source-weight) order.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskIdentifierCheck, TaskGeocode, TaskOCR, TaskLicenseCheck, TaskEnrichment}
}

// Queue maps a task type to its logical queue name.
func (t TaskType) Queue() string {
	switch t {
	case TaskIdentifierCheck:
		return "identifier_validation"
	case TaskGeocode:
		return "geocode_validation"
	case TaskOCR:
		return "ocr_processing"
	case TaskLicenseCheck:
		return "license_validation"
	case TaskEnrichment:
		return "enrichment_lookup"
	}
	return string(t)
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskIdentifierCheck, TaskGeocode, TaskOCR, TaskLicenseCheck, TaskEnrichment:
		return true
	}
	return false
}

// Priority orders tasks within a queue. FIFO is preserved within a class.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric rank of a priority; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ProviderInput is one provider record as submitted by the caller.
// Immutable within a job; ProviderID is minted when absent.
type ProviderInput struct {
	ProviderID    string `json:"provider_id,omitempty"`
	Identifier    string `json:"identifier,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	PracticeName  string `json:"practice_name,omitempty"`
	Specialty     string `json:"specialty,omitempty"`
	AddressLine1  string `json:"address_line1,omitempty"`
	AddressLine2  string `json:"address_line2,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	PlaceID       string `json:"place_id,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	LicenseState  string `json:"license_state,omitempty"`
	DocumentRef   string `json:"document_ref,omitempty"`
}

// AddressText joins the structured address parts for geocoding.
func (p ProviderInput) AddressText() string {
	parts := []string{p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode}
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += part
	}
	return out
}

// ValidationOptions selects which sources run for a batch. All default on.
type ValidationOptions struct {
	IdentifierCheck bool `json:"identifier_check"`
	Geocode         bool `json:"geocode"`
	OCR             bool `json:"ocr"`
	LicenseCheck    bool `json:"license_check"`
	Enrichment      bool `json:"enrichment"`
}

// DefaultValidationOptions enables every source.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		IdentifierCheck: true,
		Geocode:         true,
		OCR:             true,
		LicenseCheck:    true,
		Enrichment:      true,
	}
}

// EnabledTasks returns the task types to enqueue for a provider.
// OCR additionally requires a document reference, else it is skipped.
func (o ValidationOptions) EnabledTasks(p ProviderInput) []TaskType {
	var out []TaskType
	if o.IdentifierCheck {
		out = append(out, TaskIdentifierCheck)
	}
	if o.Geocode {
		out = append(out, TaskGeocode)
	}
	if o.OCR && p.DocumentRef != "" {
		out = append(out, TaskOCR)
	}
	if o.LicenseCheck {
		out = append(out, TaskLicenseCheck)
	}
	if o.Enrichment {
		out = append(out, TaskEnrichment)
	}
	return out
}

// JobStatus is the lifecycle state of a validation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job tracks one submitted batch. Counters are mutated only through
// atomic repository operations.
type Job struct {
	ID             string
	Status         JobStatus
	Priority       Priority
	Options        ValidationOptions
	ProviderCount  int
	ProvidersFused int
	TasksTotal     int
	TasksCompleted int
	TasksFailed    int
	Error          string
	IdemKey        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Progress returns completed+failed over total as a percentage in [0,100].
func (j Job) Progress() float64 {
	if j.TasksTotal == 0 {
		return 0
	}
	return float64(j.TasksCompleted+j.TasksFailed) / float64(j.TasksTotal) * 100
}

// JobProvider is one provider within a job with its task progress.
type JobProvider struct {
	JobID      string
	ProviderID string
	Input      ProviderInput
	TasksTotal int
	TasksDone  int
	Fused      bool
}

// WorkerTask is one unit of work: a single source applied to a single
// provider. Created once per (job, provider, enabled task type).
type WorkerTask struct {
	TaskID     string        `json:"task_id"`
	Type       TaskType      `json:"type"`
	JobID      string        `json:"job_id"`
	ProviderID string        `json:"provider_id"`
	Provider   ProviderInput `json:"provider"`
	Priority   Priority      `json:"priority"`
	Attempt    int           `json:"attempt"`
}

// WorkerResult is the uniform result shape every adapter produces.
// Append-only; the result set for (job, provider) is the sole fusion input.
type WorkerResult struct {
	TaskID          string             `json:"task_id"`
	Type            TaskType           `json:"type"`
	JobID           string             `json:"job_id"`
	ProviderID      string             `json:"provider_id"`
	Success         bool               `json:"success"`
	Fields          map[string]any     `json:"fields,omitempty"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
	Confidence      float64            `json:"confidence"`
	ErrorCode       string             `json:"error_code,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Attempts        int                `json:"attempts"`
	ProcessingMS    int64              `json:"processing_ms"`
	CompletedAt     time.Time          `json:"completed_at"`
}

// Worker error codes carried on failed results.
const (
	CodeTimeout            = "TIMEOUT"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeRobotsBlocked      = "ROBOTS_BLOCKED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeInvalidIdentifier  = "INVALID_IDENTIFIER"
	CodeNotFound           = "NOT_FOUND"
	CodeParseError         = "PARSE_ERROR"
	CodeNoStructuredFields = "NO_STRUCTURED_FIELDS"
	CodeLowConfidence      = "LOW_CONFIDENCE"
	CodeCancelled          = "CANCELLED"
	CodeInvalidInput       = "INVALID_INPUT"
)

// UpstreamStatusError carries a non-2xx HTTP status from a source connector.
type UpstreamStatusError struct {
	Connector string
	Status    int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Connector, e.Status)
}

// Transient reports whether the status is a retryable category (429 or 5xx).
func (e *UpstreamStatusError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}

// ErrorCodeFor maps an error to the worker result code family.
func ErrorCodeFor(err error) string {
	var statusErr *UpstreamStatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrRobotsBlocked):
		return CodeRobotsBlocked
	case errors.Is(err, ErrUpstreamRateLimit), errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidInput
	case errors.Is(err, ErrSchemaInvalid):
		return CodeParseError
	case errors.As(err, &statusErr):
		if statusErr.Status == 429 {
			return CodeRateLimited
		}
		return CodeUpstreamError
	default:
		return CodeUpstreamError
	}
}

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdemPending    IdempotencyStatus = "pending"
	IdemProcessing IdempotencyStatus = "processing"
	IdemCompleted  IdempotencyStatus = "completed"
	IdemFailed     IdempotencyStatus = "failed"
	IdemExpired    IdempotencyStatus = "expired"
)

// IdempotencyRecord deduplicates batch submissions by stable fingerprint.
// TTL-bound; an expired record is treated as absent.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Status      IdempotencyStatus `json:"status"`
	JobID       string            `json:"job_id"`
	Fingerprint string            `json:"fingerprint"`
	Response    []byte            `json:"response,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Ports (repositories)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=ResultRepository --with-expecter --filename=result_repository_mock.go
//go:generate mockery --name=ReportRepository --with-expecter --filename=report_repository_mock.go
//go:generate mockery --name=TaskQueue --with-expecter --filename=task_queue_mock.go
//go:generate mockery --name=IdempotencyStore --with-expecter --filename=idempotency_store_mock.go
//go:generate mockery --name=SourceAdapter --with-expecter --filename=source_adapter_mock.go

type JobRepository interface {
	Create(ctx Context, j Job, providers []JobProvider) error
	Get(ctx Context, id string) (Job, error)
	// UpdateStatus moves a non-terminal job to status; ErrConflict when the
	// row is already terminal. Terminal states never change again.
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	// Cancel transitions any non-terminal status to cancelled and returns
	// the updated job; ErrConflict when already terminal.
	Cancel(ctx Context, id string) (Job, error)
	IsCancelled(ctx Context, id string) (bool, error)
	// RecordTaskOutcome atomically bumps the job task counters and returns
	// the updated job.
	RecordTaskOutcome(ctx Context, id string, failed bool) (Job, error)
	GetProvider(ctx Context, jobID, providerID string) (JobProvider, error)
	ListProviders(ctx Context, jobID string) ([]JobProvider, error)
	// CompleteProviderTask atomically bumps tasks_done for the provider and
	// returns the updated row.
	CompleteProviderTask(ctx Context, jobID, providerID string) (JobProvider, error)
	// MarkProviderFused flips the fused flag; false when already fused.
	MarkProviderFused(ctx Context, jobID, providerID string) (bool, error)
	// IncrementFusedCount bumps the job fused-provider counter and returns
	// the updated job.
	IncrementFusedCount(ctx Context, id string) (Job, error)
	ListStale(ctx Context, statuses []JobStatus, olderThan time.Duration, limit int) ([]Job, error)
}

type ResultRepository interface {
	// Append stores the result once per task id and reports whether this
	// call inserted it; a redelivered task finds its result already
	// recorded and must not bump progress counters again.
	Append(ctx Context, r WorkerResult) (bool, error)
	ListByProvider(ctx Context, jobID, providerID string) ([]WorkerResult, error)
}

type ReportRepository interface {
	// Save upserts; reports are deterministic so replays are harmless.
	Save(ctx Context, rep ValidationReport) error
	Get(ctx Context, jobID, providerID string) (ValidationReport, error)
}

// TaskQueue (port)

type TaskQueue interface {
	// EnqueueBatch enqueues all tasks atomically: either every task is
	// visible to consumers or none is.
	EnqueueBatch(ctx Context, tasks []WorkerTask) error
	PendingDepth(ctx Context, t TaskType) (int64, error)
}

// IdempotencyStore (port)

type IdempotencyStore interface {
	// PutPending creates the record when absent. Returns the stored record
	// and true when this call created it, or the existing record and false.
	PutPending(ctx Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error)
	Get(ctx Context, key string) (IdempotencyRecord, error)
	Update(ctx Context, rec IdempotencyRecord) error
}

// SourceAdapter (port)
// Execute never returns an error: every non-infrastructural failure is
// encoded into the WorkerResult (success=false, error code/message).
// Timeouts, rate-limit waits, retries and politeness checks all happen
// inside the adapter.
type SourceAdapter interface {
	Type() TaskType
	Execute(ctx Context, task WorkerTask) WorkerResult
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through
// For practicality, we alias to context.Context; adapters convert where needed.

type Context = context.Context
