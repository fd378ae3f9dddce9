package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

const (
	tracesPath = "/api/public/otel/v1/traces"
	logsPath   = "/api/public/otel/v1/logs"
)

// Client POSTs span and log batches as OTLP-style JSON to the remote
// collector. Auth is whatever headers the caller supplies.
type Client struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// NewClient creates a collector client. headers are sent verbatim on every
// request (typically an Authorization or API-key header).
func NewClient(baseURL string, headers map[string]string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    headers,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// ExportSpans sends one batch of completed spans.
func (c *Client) ExportSpans(ctx context.Context, spans []*model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	return c.post(ctx, tracesPath, tracePayload(spans))
}

// ExportLogs sends one batch of log records.
func (c *Client) ExportLogs(ctx context.Context, recs []*model.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return c.post(ctx, logsPath, logPayload(recs))
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("export: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("export: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("export: post %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("export: collector returned %d for %s", resp.StatusCode, path)
	}
	return nil
}
