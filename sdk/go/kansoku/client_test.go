package kansoku

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockServer creates an httptest server that mimics the kansoku API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		APIKey:  "sk-test",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestListTracesUnwrapsEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/traces": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer sk-test" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "unauthorized", "message": "bad key"},
				})
				return
			}
			if r.URL.Query().Get("entity_id") != "agent-1" {
				t.Errorf("expected entity_id=agent-1, got %q", r.URL.Query().Get("entity_id"))
			}
			if r.URL.Query().Get("limit") != "10" {
				t.Errorf("expected limit=10, got %q", r.URL.Query().Get("limit"))
			}
			root := "run workflow"
			writeJSON(w, http.StatusOK, map[string]any{
				"data": TraceList{
					Items: []TraceSummary{
						{TraceID: "trace-1", RootSpan: &root, EntityID: "agent-1", SpanCount: 3, Status: StatusOK},
					},
					Total: 1,
					Limit: 10,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.ListTraces(context.Background(), &ListTracesOptions{EntityID: "agent-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListTraces failed: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(resp.Items))
	}
	if resp.Items[0].TraceID != "trace-1" {
		t.Errorf("expected trace-1, got %q", resp.Items[0].TraceID)
	}
	if resp.Items[0].SpanCount != 3 {
		t.Errorf("expected span count 3, got %d", resp.Items[0].SpanCount)
	}
}

func TestGetTraceReturnsSpans(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/traces/{trace_id}": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("trace_id") != "trace-1" {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error": map[string]any{"code": "not_found", "message": "trace not found"},
				})
				return
			}
			parent := "span-root"
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []Span{
					{TraceID: "trace-1", SpanID: "span-root", Name: "run", Kind: SpanKindInternal},
					{TraceID: "trace-1", SpanID: "span-child", ParentSpanID: &parent, Name: "step"},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	spans, err := client.GetTrace(context.Background(), "trace-1")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if !spans[0].IsRoot() {
		t.Error("expected first span to be root")
	}
	if spans[1].IsRoot() {
		t.Error("expected second span to be a child")
	}
}

func TestGetTraceNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/traces/{trace_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "not_found", "message": "trace not found"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetTrace(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Code != "not_found" {
		t.Errorf("expected code not_found, got %q", apiErr.Code)
	}
}

func TestQueryLogsSendsFilter(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/logs/query": func(w http.ResponseWriter, r *http.Request) {
			var filter LogFilter
			if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
				t.Fatalf("decode filter: %v", err)
			}
			if filter.TraceID == nil || *filter.TraceID != "trace-1" {
				t.Errorf("expected trace_id filter trace-1, got %v", filter.TraceID)
			}
			if filter.MinSeverity == nil || *filter.MinSeverity != SeverityWarn {
				t.Errorf("expected min_severity %d, got %v", SeverityWarn, filter.MinSeverity)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []LogRecord{
					{TraceID: "trace-1", SeverityNumber: SeverityError, SeverityText: "ERROR", Body: "boom"},
				},
			})
		},
	})
	defer srv.Close()

	traceID := "trace-1"
	minSev := SeverityWarn
	client := newTestClient(t, srv.URL)
	logs, err := client.QueryLogs(context.Background(), LogFilter{TraceID: &traceID, MinSeverity: &minSev})
	if err != nil {
		t.Fatalf("QueryLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Body != "boom" {
		t.Errorf("expected body 'boom', got %v", logs[0].Body)
	}
}

func TestHealthSkipsEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /healthz": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{Status: "ok", Version: "1.2.3"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", resp.Version)
	}
}

func TestRateLimitedError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/traces": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "rate_limited", "message": "slow down"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListTraces(context.Background(), nil)
	if !IsRateLimited(err) {
		t.Errorf("expected IsRateLimited, got %v", err)
	}
}

func TestStreamReceivesMessages(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/stream": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("api_key") != "sk-test" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.URL.Query().Get("entity_id") != "agent-1" {
				t.Errorf("expected entity_id=agent-1, got %q", r.URL.Query().Get("entity_id"))
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			defer conn.Close()

			_ = conn.WriteJSON(map[string]any{
				"type":      MessageConnectionSuccess,
				"data":      StreamFilter{EntityID: "agent-1"},
				"timestamp": time.Now(),
			})
			_ = conn.WriteJSON(map[string]any{
				"type": MessageEvent,
				"data": SpanLifecycleEvent{
					Type: "span:start",
					Span: &Span{TraceID: "trace-1", SpanID: "span-1", Name: "run"},
				},
				"timestamp": time.Now(),
			})
			_ = conn.WriteJSON(map[string]any{
				"type":      MessageLog,
				"data":      LogRecord{TraceID: "trace-1", Body: "hello"},
				"timestamp": time.Now(),
			})
			// Hold the connection open until the client hangs up.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	stream, err := client.Stream(context.Background(), &StreamFilter{EntityID: "agent-1"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	msg, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg.Type != MessageConnectionSuccess {
		t.Fatalf("expected CONNECTION_SUCCESS, got %q", msg.Type)
	}

	msg, err = stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg.Type != MessageEvent || msg.Event == nil {
		t.Fatalf("expected event message, got %+v", msg)
	}
	if msg.Event.Span.SpanID != "span-1" {
		t.Errorf("expected span-1, got %q", msg.Event.Span.SpanID)
	}

	msg, err = stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg.Type != MessageLog || msg.Log == nil {
		t.Fatalf("expected log message, got %+v", msg)
	}
	if msg.Log.Body != "hello" {
		t.Errorf("expected body 'hello', got %v", msg.Log.Body)
	}
}

func TestStreamUnauthorized(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/stream": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	})
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.Stream(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "bad handshake") {
		t.Errorf("expected handshake failure, got %q", apiErr.Message)
	}
}
