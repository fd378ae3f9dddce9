package kansoku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kansoku server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey authenticates requests against the /v1/ query surface. May be
	// empty when the server runs with auth disabled.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kansoku query and streaming API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kansoku: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// ListTracesOptions are optional filters for ListTraces.
type ListTracesOptions struct {
	EntityID   string
	EntityType string
	Limit      int
	Offset     int
}

// ListTraces returns a page of trace summaries, newest first.
func (c *Client) ListTraces(ctx context.Context, opts *ListTracesOptions) (*TraceList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.EntityID != "" {
			params.Set("entity_id", opts.EntityID)
		}
		if opts.EntityType != "" {
			params.Set("entity_type", opts.EntityType)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/traces"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp TraceList
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrace returns every span of a trace, start time ascending.
func (c *Client) GetTrace(ctx context.Context, traceID string) ([]Span, error) {
	var resp []Span
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSpan returns a single span by ID.
func (c *Client) GetSpan(ctx context.Context, spanID string) (*Span, error) {
	var resp Span
	if err := c.get(ctx, "/v1/spans/"+url.PathEscape(spanID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TraceLogs returns the log records correlated to a trace, oldest first.
func (c *Client) TraceLogs(ctx context.Context, traceID string) ([]LogRecord, error) {
	var resp []LogRecord
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID)+"/logs", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SpanLogs returns the log records correlated to a span, oldest first.
func (c *Client) SpanLogs(ctx context.Context, spanID string) ([]LogRecord, error) {
	var resp []LogRecord
	if err := c.get(ctx, "/v1/spans/"+url.PathEscape(spanID)+"/logs", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// QueryLogs retrieves log records matching the filter.
func (c *Client) QueryLogs(ctx context.Context, filter LogFilter) ([]LogRecord, error) {
	var resp []LogRecord
	if err := c.post(ctx, "/v1/logs/query", filter, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has an invalid key.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kansoku: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kansoku: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kansoku: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kansoku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kansoku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kansoku: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
