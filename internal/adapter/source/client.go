package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/service/politeness"
)

// NewHTTPClient builds the outbound client every adapter shares: an
// otel-instrumented transport wrapped in the polite header set. The client
// timeout bounds a single attempt; the task deadline bounds the whole call.
func NewHTTPClient(timeout time.Duration, userAgent string) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(politeness.NewTransport(http.DefaultTransport, userAgent)),
	}
}

// GetJSON issues a GET against a JSON endpoint and decodes the 2xx body into
// out. Non-2xx statuses surface as UpstreamStatusError so the retry layer can
// classify them.
func GetJSON(ctx context.Context, client *http.Client, connector, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("op=source.get: %w", err)
	}
	applyHeaders(req, headers)
	return doJSON(client, connector, req, out)
}

// PostJSON issues a POST with a JSON body and decodes the 2xx response.
func PostJSON(ctx context.Context, client *http.Client, connector, rawURL string, headers map[string]string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=source.post: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("op=source.post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, headers)
	return doJSON(client, connector, req, out)
}

// FetchHTML retrieves a page via GET or a form POST and returns the raw body,
// capped at maxHTMLBytes. Scraped boards use it instead of the JSON helpers.
func FetchHTML(ctx context.Context, client *http.Client, connector, method, rawURL string, form url.Values, headers map[string]string) ([]byte, error) {
	var req *http.Request
	var err error
	switch strings.ToUpper(method) {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		target := rawURL
		if len(form) > 0 {
			sep := "?"
			if strings.Contains(rawURL, "?") {
				sep = "&"
			}
			target = rawURL + sep + form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("op=source.fetch: %w", err)
	}
	applyHeaders(req, headers)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=source.fetch connector=%s: %w", connector, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, &domain.UpstreamStatusError{Connector: connector, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return nil, fmt.Errorf("op=source.fetch connector=%s: %w", connector, err)
	}
	return body, nil
}

const maxHTMLBytes = 4 << 20

func doJSON(client *http.Client, connector string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("op=source.do connector=%s: %w", connector, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return &domain.UpstreamStatusError{Connector: connector, Status: resp.StatusCode}
	}
	if out == nil {
		drain(resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHTMLBytes)).Decode(out); err != nil {
		return fmt.Errorf("op=source.decode connector=%s: %w: %v", connector, domain.ErrSchemaInvalid, err)
	}
	return nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
}

// drain empties a response body so the connection can be reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<16))
}

// BearerAuth returns the standard header set for key-authenticated sources.
// An empty key yields no headers, which suits anonymous or mock endpoints.
func BearerAuth(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
