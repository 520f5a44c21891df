// Package source holds the pieces shared by every external-source adapter:
// the runner that executes a connector call under the shared protections and
// folds the outcome into the uniform result shape, the outbound HTTP client
// factory, and deterministic helpers for offline mock modes.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/service/resilience"
)

// Evidence is what a successful source call contributes: normalized field
// values, per-field confidences and the task-level confidence.
type Evidence struct {
	Fields          map[string]any
	FieldConfidence map[string]float64
	Confidence      float64
}

// Fail is a terminal source outcome carrying the exact worker error code
// that should land on the result. It is never retried.
type Fail struct {
	Code    string
	Message string
}

func (f *Fail) Error() string { return f.Message }

// Failf builds a terminal outcome for the given code.
func Failf(code, message string) error {
	return &Fail{Code: code, Message: message}
}

// Runner executes the network portion of a task under the connector's
// protections (breaker, rate limit, bounded retries) and shapes the outcome.
// Failures are encoded into the result, never returned: a worker result is
// the only thing an adapter produces.
type Runner struct {
	guard *resilience.Guard
	now   func() time.Time
}

func NewRunner(guard *resilience.Guard) *Runner {
	return &Runner{guard: guard, now: time.Now}
}

// Execute runs call against connector with the given overall deadline and
// returns the finished result. A zero timeout falls back to the task type's
// default deadline.
func (r *Runner) Execute(ctx context.Context, task domain.WorkerTask, connector string, timeout time.Duration, call func(context.Context) (Evidence, error)) domain.WorkerResult {
	start := r.now()
	if timeout <= 0 {
		timeout = domain.TaskTimeout(task.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ev Evidence
	attempts, err := r.guard.Do(ctx, connector, func(ctx context.Context) error {
		var callErr error
		ev, callErr = call(ctx)
		return callErr
	})

	res := domain.WorkerResult{
		TaskID:       task.TaskID,
		Type:         task.Type,
		JobID:        task.JobID,
		ProviderID:   task.ProviderID,
		Attempts:     attempts,
		ProcessingMS: r.now().Sub(start).Milliseconds(),
		CompletedAt:  r.now().UTC(),
	}
	if err != nil {
		var fail *Fail
		if errors.As(err, &fail) {
			res.ErrorCode = fail.Code
			res.ErrorMessage = fail.Message
		} else {
			res.ErrorCode = domain.ErrorCodeFor(err)
			res.ErrorMessage = err.Error()
		}
		return res
	}
	res.Success = true
	res.Fields = ev.Fields
	res.FieldConfidence = ev.FieldConfidence
	res.Confidence = ev.Confidence
	return res
}

// Reject produces an immediate failed result without any upstream attempt.
// Used for inputs a source rejects before touching the network, such as a
// checksum-invalid identifier or a robots denial.
func Reject(task domain.WorkerTask, code, message string) domain.WorkerResult {
	return domain.WorkerResult{
		TaskID:       task.TaskID,
		Type:         task.Type,
		JobID:        task.JobID,
		ProviderID:   task.ProviderID,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
		CompletedAt:  time.Now().UTC(),
	}
}
