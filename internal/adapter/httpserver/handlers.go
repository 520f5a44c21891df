// Package httpserver contains the HTTP handlers and middleware for the
// validation API: batch submission, job status, per-provider reports,
// cancellation and the health endpoints.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/caretrace/provider-validator/internal/config"
	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/usecase"
)

// The handler layer depends on exactly the operations it serves.

// BatchSubmitter admits or replays a validation batch.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, req usecase.SubmitRequest) (usecase.SubmitOutcome, error)
}

// StatusReader returns the status view for one job.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (usecase.JobStatusView, error)
}

// ReportReader returns the fused report for one provider.
type ReportReader interface {
	GetValidationReport(ctx context.Context, jobID, providerID string) (domain.ValidationReport, error)
}

// JobCanceller cancels a job.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) (domain.Job, error)
}

// Server aggregates the handler dependencies.
type Server struct {
	Cfg     config.Config
	Submit  BatchSubmitter
	Status  StatusReader
	Reports ReportReader
	Cancel  JobCanceller

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submit BatchSubmitter, status StatusReader, reports ReportReader, cancel JobCanceller, dbCheck, redisCheck, queueCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Submit:     submit,
		Status:     status,
		Reports:    reports,
		Cancel:     cancel,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		QueueCheck: queueCheck,
	}
}

type submitResponse struct {
	JobID         string   `json:"job_id"`
	Status        string   `json:"status"`
	ProviderCount int      `json:"provider_count"`
	ProviderIDs   []string `json:"provider_ids,omitempty"`
	Deduplicated  bool     `json:"deduplicated,omitempty"`
}

type statusResponse struct {
	JobID          string                   `json:"job_id"`
	Status         string                   `json:"status"`
	Priority       string                   `json:"priority"`
	Options        domain.ValidationOptions `json:"options"`
	ProviderCount  int                      `json:"provider_count"`
	ProvidersFused int                      `json:"providers_fused"`
	TasksTotal     int                      `json:"tasks_total"`
	TasksCompleted int                      `json:"tasks_completed"`
	TasksFailed    int                      `json:"tasks_failed"`
	ProgressPct    float64                  `json:"progress_pct"`
	Error          string                   `json:"error,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// SubmitBatchHandler admits a provider batch. A fresh admission answers
// 202; a replayed duplicate answers 200 with the original job.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "not acceptable",
				Details: map[string]any{"accept": r.Header.Get("Accept")},
			}})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
		payload, err := decodeSubmit(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		idemKey := r.Header.Get("Idempotency-Key")
		if idemKey == "" {
			idemKey = payload.IdempotencyKey
		}
		var options *domain.ValidationOptions
		if payload.Options != nil {
			effective := payload.Options.apply(domain.DefaultValidationOptions())
			options = &effective
		}

		out, err := s.Submit.SubmitBatch(r.Context(), usecase.SubmitRequest{
			Providers:      payload.Providers,
			Options:        options,
			Priority:       domain.Priority(payload.Priority),
			IdempotencyKey: idemKey,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		status := http.StatusAccepted
		if out.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, submitResponse{
			JobID:         out.JobID,
			Status:        string(out.Status),
			ProviderCount: out.ProviderCount,
			ProviderIDs:   out.ProviderIDs,
			Deduplicated:  out.Deduplicated,
		})
	}
}

// JobStatusHandler returns the job counters and progress.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "not acceptable",
			}})
			return
		}
		view, err := s.Status.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			JobID:          view.JobID,
			Status:         string(view.Status),
			Priority:       string(view.Priority),
			Options:        view.Options,
			ProviderCount:  view.ProviderCount,
			ProvidersFused: view.ProvidersFused,
			TasksTotal:     view.TasksTotal,
			TasksCompleted: view.TasksCompleted,
			TasksFailed:    view.TasksFailed,
			ProgressPct:    view.Progress,
			Error:          view.Error,
			CreatedAt:      view.CreatedAt,
			UpdatedAt:      view.UpdatedAt,
		})
	}
}

// ReportHandler returns the fused validation report for one provider, or
// 404 while its tasks are still running.
func (s *Server) ReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "not acceptable",
			}})
			return
		}
		rep, err := s.Reports.GetValidationReport(r.Context(),
			chi.URLParam(r, "jobID"), chi.URLParam(r, "providerID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

// CancelJobHandler cancels a job; 409 when it is already terminal.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Cancel.Cancel(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": job.ID,
			"status": string(job.Status),
		})
	}
}

// ReadyzHandler probes the platform dependencies: Postgres, Redis and the
// task queue.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"queue", s.QueueCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
