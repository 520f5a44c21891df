package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/usecase"
)

func TestJobStatusHandler_ReturnsCounters(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	status := statusFunc(func(_ context.Context, jobID string) (usecase.JobStatusView, error) {
		require.Equal(t, "job-1", jobID)
		return usecase.JobStatusView{
			JobID:          "job-1",
			Status:         domain.JobRunning,
			Priority:       domain.PriorityNormal,
			Options:        domain.DefaultValidationOptions(),
			ProviderCount:  3,
			ProvidersFused: 1,
			TasksTotal:     15,
			TasksCompleted: 9,
			TasksFailed:    1,
			Progress:       66.7,
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	})
	srv := newAPIServer(nil, status, nil, nil)

	router := chi.NewRouter()
	router.Get("/v1/validation/jobs/{jobID}", srv.JobStatusHandler())
	r := httptest.NewRequest(http.MethodGet, "/v1/validation/jobs/job-1", nil)
	r.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, "running", body["status"])
	require.Equal(t, "normal", body["priority"])
	require.EqualValues(t, 15, body["tasks_total"])
	require.EqualValues(t, 9, body["tasks_completed"])
	require.EqualValues(t, 1, body["tasks_failed"])
	require.EqualValues(t, 1, body["providers_fused"])
	require.InDelta(t, 66.7, body["progress_pct"].(float64), 0.001)
	require.NotContains(t, body, "error")
}

func TestJobStatusHandler_UnknownJob(t *testing.T) {
	status := statusFunc(func(_ context.Context, _ string) (usecase.JobStatusView, error) {
		return usecase.JobStatusView{}, domain.ErrNotFound
	})
	srv := newAPIServer(nil, status, nil, nil)

	router := chi.NewRouter()
	router.Get("/v1/validation/jobs/{jobID}", srv.JobStatusHandler())
	r := httptest.NewRequest(http.MethodGet, "/v1/validation/jobs/ghost", nil)
	r.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	resp := w.Result()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "NOT_FOUND", errObj["code"])
}
