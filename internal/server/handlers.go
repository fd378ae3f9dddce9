package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Handlers holds the dependencies of the HTTP handlers.
type Handlers struct {
	store       storage.Store
	bus         *bus.Bus
	logger      *slog.Logger
	version     string
	openapiSpec []byte

	maxRequestBodyBytes int64
}

// HandlersDeps bundles the dependencies for NewHandlers.
type HandlersDeps struct {
	Store               storage.Store
	Bus                 *bus.Bus
	Logger              *slog.Logger
	Version             string
	OpenAPISpec         []byte
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:               deps.Store,
		bus:                 deps.Bus,
		logger:              deps.Logger,
		version:             deps.Version,
		openapiSpec:         deps.OpenAPISpec,
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// traceSummary is the list-view shape of a trace.
type traceSummary struct {
	TraceID    string    `json:"trace_id"`
	RootSpan   *string   `json:"root_span,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	SpanCount  int       `json:"span_count"`
	StartTime  time.Time `json:"start_time"`
	Status     string    `json:"status,omitempty"`
}

// HandleListTraces serves GET /v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	var filter model.TraceFilter
	if v := r.URL.Query().Get("entity_id"); v != "" {
		filter.EntityID = &v
	}
	if v := r.URL.Query().Get("entity_type"); v != "" {
		filter.EntityType = &v
	}

	ids, err := h.store.ListTraces(r.Context(), limit, offset, filter)
	if err != nil {
		h.logger.Error("list traces failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "list traces failed")
		return
	}

	summaries := make([]traceSummary, 0, len(ids))
	for _, id := range ids {
		spans, err := h.store.GetTrace(r.Context(), id)
		if err != nil || len(spans) == 0 {
			continue
		}
		s := traceSummary{TraceID: id, SpanCount: len(spans)}
		for _, sp := range spans {
			if !sp.IsRoot() {
				continue
			}
			name := sp.Name
			s.RootSpan = &name
			s.EntityID = sp.EntityID()
			s.EntityType = sp.EntityType()
			s.StartTime = sp.StartTime
			s.Status = string(sp.Status.Code)
			break
		}
		summaries = append(summaries, s)
	}

	writeJSON(w, r, http.StatusOK, model.PagedResult[traceSummary]{
		Items:  summaries,
		Total:  len(summaries),
		Limit:  limit,
		Offset: offset,
	})
}

// HandleGetTrace serves GET /v1/traces/{trace_id}: every span of the trace,
// start time ascending.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id is required")
		return
	}

	spans, err := h.store.GetTrace(r.Context(), traceID)
	if err != nil {
		h.logger.Error("get trace failed", "error", err, "trace_id", traceID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get trace failed")
		return
	}
	if len(spans) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
		return
	}
	writeJSON(w, r, http.StatusOK, spans)
}

// HandleGetSpan serves GET /v1/spans/{span_id}.
func (h *Handlers) HandleGetSpan(w http.ResponseWriter, r *http.Request) {
	spanID := r.PathValue("span_id")
	if spanID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "span_id is required")
		return
	}

	span, err := h.store.GetSpan(r.Context(), spanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "span not found")
			return
		}
		h.logger.Error("get span failed", "error", err, "span_id", spanID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get span failed")
		return
	}
	writeJSON(w, r, http.StatusOK, span)
}

// HandleGetTraceLogs serves GET /v1/traces/{trace_id}/logs.
func (h *Handlers) HandleGetTraceLogs(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	if traceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id is required")
		return
	}

	logs, err := h.store.GetLogsByTraceID(r.Context(), traceID)
	if err != nil {
		h.logger.Error("get trace logs failed", "error", err, "trace_id", traceID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get trace logs failed")
		return
	}
	writeJSON(w, r, http.StatusOK, logs)
}

// HandleGetSpanLogs serves GET /v1/spans/{span_id}/logs.
func (h *Handlers) HandleGetSpanLogs(w http.ResponseWriter, r *http.Request) {
	spanID := r.PathValue("span_id")
	if spanID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "span_id is required")
		return
	}

	logs, err := h.store.GetLogsBySpanID(r.Context(), spanID)
	if err != nil {
		h.logger.Error("get span logs failed", "error", err, "span_id", spanID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "get span logs failed")
		return
	}
	writeJSON(w, r, http.StatusOK, logs)
}

// HandleQueryLogs serves POST /v1/logs/query with a LogFilter body.
func (h *Handlers) HandleQueryLogs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var filter model.LogFilter
	if err := decodeJSON(r, &filter); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid filter: "+err.Error())
		return
	}
	if filter.Limit < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be non-negative")
		return
	}
	if filter.Limit == 0 || filter.Limit > maxListLimit {
		filter.Limit = defaultListLimit
	}

	logs, err := h.store.QueryLogs(r.Context(), filter)
	if err != nil {
		h.logger.Error("query logs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query logs failed")
		return
	}
	writeJSON(w, r, http.StatusOK, logs)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth serves GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"subscribers": h.bus.SubscriberCount(),
	})
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
