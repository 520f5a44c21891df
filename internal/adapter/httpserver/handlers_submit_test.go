package httpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	httpserver "github.com/caretrace/provider-validator/internal/adapter/httpserver"
	"github.com/caretrace/provider-validator/internal/config"
	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/usecase"
)

// Single-method adapters so each test can stub exactly the call it exercises.

type submitFunc func(ctx context.Context, req usecase.SubmitRequest) (usecase.SubmitOutcome, error)

func (f submitFunc) SubmitBatch(ctx context.Context, req usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
	return f(ctx, req)
}

type statusFunc func(ctx context.Context, jobID string) (usecase.JobStatusView, error)

func (f statusFunc) GetJobStatus(ctx context.Context, jobID string) (usecase.JobStatusView, error) {
	return f(ctx, jobID)
}

type reportFunc func(ctx context.Context, jobID, providerID string) (domain.ValidationReport, error)

func (f reportFunc) GetValidationReport(ctx context.Context, jobID, providerID string) (domain.ValidationReport, error) {
	return f(ctx, jobID, providerID)
}

type cancelFunc func(ctx context.Context, jobID string) (domain.Job, error)

func (f cancelFunc) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	return f(ctx, jobID)
}

func newAPIServer(submit httpserver.BatchSubmitter, status httpserver.StatusReader, reports httpserver.ReportReader, cancel httpserver.JobCanceller) *httpserver.Server {
	cfg := config.Config{Port: 8080, AppEnv: "dev"}
	return httpserver.NewServer(cfg, submit, status, reports, cancel, nil, nil, nil)
}

const sampleBatch = `{"providers":[{"identifier":"1234567890","given_name":"Jane","family_name":"Smith","state":"CA"}]}`

func postBatch(srv *httpserver.Server, body string, header map[string]string) *http.Response {
	r := httptest.NewRequest(http.MethodPost, "/v1/validation/batch", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.SubmitBatchHandler()(w, r)
	return w.Result()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(b, &obj))
	return obj
}

func TestSubmitBatchHandler_AdmitsBatch(t *testing.T) {
	var got usecase.SubmitRequest
	sub := submitFunc(func(_ context.Context, req usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		got = req
		return usecase.SubmitOutcome{
			JobID:         "job-1",
			Status:        domain.JobRunning,
			ProviderCount: 1,
			ProviderIDs:   []string{"p-1"},
		}, nil
	})
	srv := newAPIServer(sub, nil, nil, nil)

	resp := postBatch(srv, sampleBatch, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, "running", body["status"])
	require.EqualValues(t, 1, body["provider_count"])
	require.NotContains(t, body, "deduplicated")

	require.Len(t, got.Providers, 1)
	require.Equal(t, "1234567890", got.Providers[0].Identifier)
	require.Nil(t, got.Options)
}

func TestSubmitBatchHandler_ReplayedDuplicateAnswers200(t *testing.T) {
	sub := submitFunc(func(_ context.Context, _ usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		return usecase.SubmitOutcome{
			JobID:         "job-1",
			Status:        domain.JobCompleted,
			ProviderCount: 1,
			Deduplicated:  true,
		}, nil
	})
	srv := newAPIServer(sub, nil, nil, nil)

	resp := postBatch(srv, sampleBatch, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["deduplicated"])
	require.Equal(t, "completed", body["status"])
}

func TestSubmitBatchHandler_HeaderKeyBeatsBodyKey(t *testing.T) {
	var got usecase.SubmitRequest
	sub := submitFunc(func(_ context.Context, req usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		got = req
		return usecase.SubmitOutcome{JobID: "job-1", Status: domain.JobRunning, ProviderCount: 1}, nil
	})
	srv := newAPIServer(sub, nil, nil, nil)

	body := `{"providers":[{"identifier":"1234567890"}],"idempotency_key":"body-key"}`
	resp := postBatch(srv, body, map[string]string{"Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "header-key", got.IdempotencyKey)

	resp = postBatch(srv, body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "body-key", got.IdempotencyKey)
	_ = resp.Body.Close()
}

func TestSubmitBatchHandler_TogglesOverlayDefaults(t *testing.T) {
	var got usecase.SubmitRequest
	sub := submitFunc(func(_ context.Context, req usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		got = req
		return usecase.SubmitOutcome{JobID: "job-1", Status: domain.JobRunning, ProviderCount: 1}, nil
	})
	srv := newAPIServer(sub, nil, nil, nil)

	body := `{"providers":[{"identifier":"1234567890"}],"options":{"ocr":false,"enrichment":false}}`
	resp := postBatch(srv, body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	require.NotNil(t, got.Options)
	require.False(t, got.Options.OCR)
	require.False(t, got.Options.Enrichment)
	require.True(t, got.Options.IdentifierCheck)
	require.True(t, got.Options.Geocode)
	require.True(t, got.Options.LicenseCheck)
}

func TestSubmitBatchHandler_RejectsMalformedJSON(t *testing.T) {
	called := false
	sub := submitFunc(func(_ context.Context, _ usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		called = true
		return usecase.SubmitOutcome{}, nil
	})
	srv := newAPIServer(sub, nil, nil, nil)

	resp := postBatch(srv, `{"providers":[`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "INVALID_ARGUMENT", errObj["code"])
	require.Contains(t, errObj["message"].(string), "invalid json")
	require.False(t, called)
}

func TestSubmitBatchHandler_RejectsStructurallyInvalidBodies(t *testing.T) {
	sub := submitFunc(func(_ context.Context, _ usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		t.Fatal("submit must not run for an invalid body")
		return usecase.SubmitOutcome{}, nil
	})
	srv := newAPIServer(sub, nil, nil, nil)

	cases := []struct {
		name string
		body string
	}{
		{"no_providers", `{"providers":[]}`},
		{"missing_providers", `{"priority":"high"}`},
		{"bad_priority", `{"providers":[{"identifier":"1234567890"}],"priority":"extreme"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postBatch(srv, tc.body, nil)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody(t, resp)
			errObj := body["error"].(map[string]any)
			require.Equal(t, "INVALID_ARGUMENT", errObj["code"])
			require.Contains(t, errObj["message"].(string), "validation failed")
		})
	}
}

func TestSubmitBatchHandler_RequiresJSONAccept(t *testing.T) {
	srv := newAPIServer(submitFunc(func(_ context.Context, _ usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
		return usecase.SubmitOutcome{}, nil
	}), nil, nil, nil)

	resp := postBatch(srv, sampleBatch, map[string]string{"Accept": "text/html"})
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestSubmitBatchHandler_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantAPI  string
	}{
		{"backpressure", fmt.Errorf("%w: geocode.tasks at 1200 pending tasks", domain.ErrBackpressure), http.StatusTooManyRequests, "QUEUE_BACKPRESSURE"},
		{"key_conflict", fmt.Errorf("%w: idempotency key reused for a different payload", domain.ErrConflict), http.StatusConflict, "CONFLICT"},
		{"invalid", fmt.Errorf("%w: provider 0 enables no validation source", domain.ErrInvalidArgument), http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newAPIServer(submitFunc(func(_ context.Context, _ usecase.SubmitRequest) (usecase.SubmitOutcome, error) {
				return usecase.SubmitOutcome{}, tc.err
			}), nil, nil, nil)
			resp := postBatch(srv, sampleBatch, nil)
			require.Equal(t, tc.wantCode, resp.StatusCode)
			body := decodeBody(t, resp)
			errObj := body["error"].(map[string]any)
			require.Equal(t, tc.wantAPI, errObj["code"])
		})
	}
}
