//go:build e2e

// Package e2e_test drives a running validation stack (API, worker, Postgres,
// Redis, Redpanda) over HTTP. Point E2E_BASE_URL at the API and run with
// MOCK_SOURCES=true on the worker so jobs complete without live upstreams.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseURL = getenv("E2E_BASE_URL", "http://localhost:8080")

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// waitForAppReady polls /healthz until the API answers or the deadline
// passes, skipping the test when the stack is not up.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Skipf("app at %s not ready within %v; skipping", baseURL, timeout)
}

// sampleProvider is a minimal valid provider record. The identifier passes
// the checksum the mock registry applies, so mock-mode jobs complete clean.
func sampleProvider(id string) map[string]any {
	return map[string]any{
		"provider_id": id,
		"identifier":  "1234567890",
		"given_name":  "Jane",
		"family_name": "Smith",
		"address": map[string]any{
			"line1":       "100 Main St",
			"city":        "Sacramento",
			"state":       "CA",
			"postal_code": "95814",
		},
		"license_number": "A123456",
		"license_state":  "CA",
		"phone":          "+1 916 555 0100",
		"email":          "jane.smith@example.org",
	}
}

// submitBatch posts a validation batch, retrying briefly on 429, and returns
// the decoded body plus the final HTTP status.
func submitBatch(t *testing.T, client *http.Client, payload map[string]any, idemKey string) (map[string]any, int) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	var lastStatus int
	for i := 0; i < 6; i++ {
		req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/validation/batch", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			time.Sleep(500 * time.Millisecond)
			continue
		}
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out, lastStatus
	}
	t.Fatalf("batch submit kept returning %d", lastStatus)
	return nil, lastStatus
}

// getJSON fetches path relative to baseURL and decodes the JSON body.
func getJSON(t *testing.T, client *http.Client, path string) (map[string]any, int) {
	t.Helper()
	resp, err := client.Get(baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out, resp.StatusCode
}

// waitForJobTerminal polls the job status endpoint until the job leaves
// pending/running or the deadline passes, returning the last status body.
func waitForJobTerminal(t *testing.T, client *http.Client, jobID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		body, code := getJSON(t, client, "/v1/validation/jobs/"+jobID)
		require.Equal(t, http.StatusOK, code, "status endpoint: %#v", body)
		last = body
		switch body["status"] {
		case "completed", "failed", "cancelled":
			return body
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("job %s not terminal within %v: %#v", jobID, timeout, last)
	return last
}

func reportPath(jobID, providerID string) string {
	return fmt.Sprintf("/v1/validation/jobs/%s/providers/%s/report", jobID, providerID)
}
