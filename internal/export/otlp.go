package export

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ashita-ai/kansoku/internal/model"
)

// OTLP JSON wire shapes, trimmed to the fields the collector reads. Span and
// trace IDs travel as hex strings; timestamps as decimal unixNano strings.

type otlpTracePayload struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano,omitempty"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Events            []otlpEvent    `json:"events,omitempty"`
	Links             []otlpLink     `json:"links,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpEvent struct {
	Name         string         `json:"name"`
	TimeUnixNano string         `json:"timeUnixNano"`
	Attributes   []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpLink struct {
	TraceID    string         `json:"traceId"`
	SpanID     string         `json:"spanId"`
	Attributes []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type otlpLogPayload struct {
	ResourceLogs []otlpResourceLogs `json:"resourceLogs"`
}

type otlpResourceLogs struct {
	Resource  otlpResource    `json:"resource"`
	ScopeLogs []otlpScopeLogs `json:"scopeLogs"`
}

type otlpScopeLogs struct {
	Scope      otlpScope       `json:"scope"`
	LogRecords []otlpLogRecord `json:"logRecords"`
}

type otlpLogRecord struct {
	TimeUnixNano   string         `json:"timeUnixNano"`
	SeverityNumber int            `json:"severityNumber,omitempty"`
	SeverityText   string         `json:"severityText,omitempty"`
	Body           *otlpAnyValue  `json:"body,omitempty"`
	Attributes     []otlpKeyValue `json:"attributes,omitempty"`
	TraceID        string         `json:"traceId,omitempty"`
	SpanID         string         `json:"spanId,omitempty"`
	Flags          int            `json:"flags,omitempty"`
}

type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue *string        `json:"stringValue,omitempty"`
	BoolValue   *bool          `json:"boolValue,omitempty"`
	IntValue    *string        `json:"intValue,omitempty"`
	DoubleValue *float64       `json:"doubleValue,omitempty"`
	ArrayValue  *otlpArray     `json:"arrayValue,omitempty"`
	KVListValue *otlpKVList    `json:"kvlistValue,omitempty"`
}

type otlpArray struct {
	Values []otlpAnyValue `json:"values"`
}

type otlpKVList struct {
	Values []otlpKeyValue `json:"values"`
}

var spanKindCodes = map[model.SpanKind]int{
	model.SpanKindInternal: 1,
	model.SpanKindServer:   2,
	model.SpanKindClient:   3,
	model.SpanKindProducer: 4,
	model.SpanKindConsumer: 5,
}

var statusCodes = map[model.StatusCode]int{
	model.StatusUnset: 0,
	model.StatusOK:    1,
	model.StatusError: 2,
}

// tracePayload converts a span batch into the OTLP JSON envelope, grouping
// by instrumentation scope under a single resource (all spans in one batch
// come from the same process).
func tracePayload(spans []*model.Span) otlpTracePayload {
	if len(spans) == 0 {
		return otlpTracePayload{ResourceSpans: []otlpResourceSpans{}}
	}

	byScope := map[otlpScope][]otlpSpan{}
	for _, s := range spans {
		scope := otlpScope{Name: s.Scope.Name, Version: s.Scope.Version}
		byScope[scope] = append(byScope[scope], convertSpan(s))
	}

	scopeSpans := make([]otlpScopeSpans, 0, len(byScope))
	for scope, ss := range byScope {
		scopeSpans = append(scopeSpans, otlpScopeSpans{Scope: scope, Spans: ss})
	}
	sort.Slice(scopeSpans, func(i, j int) bool {
		return scopeSpans[i].Scope.Name < scopeSpans[j].Scope.Name
	})

	return otlpTracePayload{ResourceSpans: []otlpResourceSpans{{
		Resource:   convertResource(spans[0].Resource),
		ScopeSpans: scopeSpans,
	}}}
}

func convertSpan(s *model.Span) otlpSpan {
	out := otlpSpan{
		TraceID:           s.TraceID,
		SpanID:            s.SpanID,
		Name:              s.Name,
		Kind:              spanKindCodes[s.Kind],
		StartTimeUnixNano: strconv.FormatInt(s.StartTime.UnixNano(), 10),
		Attributes:        convertAttributes(s.Attributes),
		Status: otlpStatus{
			Code:    statusCodes[s.Status.Code],
			Message: s.Status.Message,
		},
	}
	if s.ParentSpanID != nil {
		out.ParentSpanID = *s.ParentSpanID
	}
	if s.EndTime != nil {
		out.EndTimeUnixNano = strconv.FormatInt(s.EndTime.UnixNano(), 10)
	}
	for _, ev := range s.Events {
		out.Events = append(out.Events, otlpEvent{
			Name:         ev.Name,
			TimeUnixNano: strconv.FormatInt(ev.Timestamp.UnixNano(), 10),
			Attributes:   convertAttributes(ev.Attributes),
		})
	}
	for _, l := range s.Links {
		out.Links = append(out.Links, otlpLink{
			TraceID:    l.TraceID,
			SpanID:     l.SpanID,
			Attributes: convertAttributes(l.Attributes),
		})
	}
	return out
}

// logPayload converts a log batch into the OTLP JSON envelope.
func logPayload(recs []*model.LogRecord) otlpLogPayload {
	if len(recs) == 0 {
		return otlpLogPayload{ResourceLogs: []otlpResourceLogs{}}
	}

	byScope := map[otlpScope][]otlpLogRecord{}
	for _, r := range recs {
		scope := otlpScope{Name: r.Scope.Name, Version: r.Scope.Version}
		byScope[scope] = append(byScope[scope], convertLogRecord(r))
	}

	scopeLogs := make([]otlpScopeLogs, 0, len(byScope))
	for scope, lr := range byScope {
		scopeLogs = append(scopeLogs, otlpScopeLogs{Scope: scope, LogRecords: lr})
	}
	sort.Slice(scopeLogs, func(i, j int) bool {
		return scopeLogs[i].Scope.Name < scopeLogs[j].Scope.Name
	})

	return otlpLogPayload{ResourceLogs: []otlpResourceLogs{{
		Resource:  convertResource(recs[0].Resource),
		ScopeLogs: scopeLogs,
	}}}
}

func convertLogRecord(r *model.LogRecord) otlpLogRecord {
	out := otlpLogRecord{
		TimeUnixNano:   strconv.FormatInt(r.Timestamp.UnixNano(), 10),
		SeverityNumber: r.SeverityNumber,
		SeverityText:   r.SeverityText,
		Attributes:     convertAttributes(r.Attributes),
		TraceID:        r.TraceID,
		SpanID:         r.SpanID,
		Flags:          r.TraceFlags,
	}
	if r.Body != nil {
		v := anyValue(r.Body)
		out.Body = &v
	}
	return out
}

func convertResource(res model.Resource) otlpResource {
	attrs := []otlpKeyValue{}
	if res.ServiceName != "" {
		attrs = append(attrs, otlpKeyValue{Key: "service.name", Value: anyValue(res.ServiceName)})
	}
	if res.ServiceVersion != "" {
		attrs = append(attrs, otlpKeyValue{Key: "service.version", Value: anyValue(res.ServiceVersion)})
	}
	attrs = append(attrs, convertAttributes(res.Attributes)...)
	return otlpResource{Attributes: attrs}
}

func convertAttributes(m map[string]any) []otlpKeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]otlpKeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, otlpKeyValue{Key: k, Value: anyValue(m[k])})
	}
	return out
}

func anyValue(v any) otlpAnyValue {
	switch t := v.(type) {
	case string:
		return otlpAnyValue{StringValue: &t}
	case bool:
		return otlpAnyValue{BoolValue: &t}
	case int:
		s := strconv.FormatInt(int64(t), 10)
		return otlpAnyValue{IntValue: &s}
	case int64:
		s := strconv.FormatInt(t, 10)
		return otlpAnyValue{IntValue: &s}
	case float64:
		return otlpAnyValue{DoubleValue: &t}
	case []any:
		arr := otlpArray{Values: make([]otlpAnyValue, 0, len(t))}
		for _, el := range t {
			arr.Values = append(arr.Values, anyValue(el))
		}
		return otlpAnyValue{ArrayValue: &arr}
	case map[string]any:
		kvl := otlpKVList{Values: convertAttributes(t)}
		return otlpAnyValue{KVListValue: &kvl}
	default:
		s := fmt.Sprint(t)
		return otlpAnyValue{StringValue: &s}
	}
}
