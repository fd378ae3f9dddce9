package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kansoku/internal/model"
)

// sqliteSchema keeps the indexed columns (trace, entity, start time) out of
// the JSON payload so queries and eviction never need to parse it.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spans (
	span_id     TEXT PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	entity_id   TEXT,
	entity_type TEXT,
	start_time  INTEGER NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_entity ON spans(entity_id) WHERE entity_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time);

CREATE TABLE IF NOT EXISTS logs (
	id       TEXT PRIMARY KEY,
	trace_id TEXT,
	span_id  TEXT,
	ts       INTEGER NOT NULL,
	severity INTEGER NOT NULL,
	payload  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_trace ON logs(trace_id) WHERE trace_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_span ON logs(span_id) WHERE span_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts);
`

// SQLiteStore is a durable Store backed by a single SQLite database file.
// Spans and logs are stored as JSON payloads alongside the columns needed
// for indexing and retention.
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	maxSpans int
	maxLogs  int
}

// NewSQLiteStore opens (and creates if needed) the database at path and
// applies the schema. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string, logger *slog.Logger, maxSpans, maxLogs int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes itself, but a single connection
	// avoids SQLITE_BUSY between the producer path and the query surface.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
	}

	if maxSpans <= 0 {
		maxSpans = DefaultMaxSpans
	}
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &SQLiteStore{db: db, logger: logger, maxSpans: maxSpans, maxLogs: maxLogs}, nil
}

// AddSpan upserts the span and trims to capacity.
func (s *SQLiteStore) AddSpan(ctx context.Context, span *model.Span) error {
	if err := s.upsertSpan(ctx, span); err != nil {
		return err
	}
	return s.evictSpans(ctx)
}

// UpdateSpan replaces the stored span. Unknown IDs are a no-op.
func (s *SQLiteStore) UpdateSpan(ctx context.Context, span *model.Span) error {
	payload, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("storage: marshal span: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE spans SET trace_id = ?, entity_id = ?, entity_type = ?, start_time = ?, payload = ?
		 WHERE span_id = ?`,
		span.TraceID, nullable(span.EntityID()), nullable(span.EntityType()),
		span.StartTime.UnixNano(), string(payload), span.SpanID,
	)
	if err != nil {
		return fmt.Errorf("storage: update span: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertSpan(ctx context.Context, span *model.Span) error {
	payload, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("storage: marshal span: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spans (span_id, trace_id, entity_id, entity_type, start_time, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(span_id) DO UPDATE SET
			trace_id = excluded.trace_id,
			entity_id = excluded.entity_id,
			entity_type = excluded.entity_type,
			start_time = excluded.start_time,
			payload = excluded.payload`,
		span.SpanID, span.TraceID, nullable(span.EntityID()), nullable(span.EntityType()),
		span.StartTime.UnixNano(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("storage: insert span: %w", err)
	}
	return nil
}

func (s *SQLiteStore) evictSpans(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spans`).Scan(&count); err != nil {
		return fmt.Errorf("storage: count spans: %w", err)
	}
	over := count - s.maxSpans
	if over <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM spans WHERE span_id IN
			(SELECT span_id FROM spans ORDER BY start_time ASC LIMIT ?)`, over)
	if err != nil {
		return fmt.Errorf("storage: evict spans: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("storage: evicted spans over capacity", "evicted", over, "max_spans", s.maxSpans)
	}
	return nil
}

// GetSpan returns the span or ErrNotFound.
func (s *SQLiteStore) GetSpan(ctx context.Context, spanID string) (*model.Span, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM spans WHERE span_id = ?`, spanID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get span: %w", err)
	}
	return unmarshalSpan(payload)
}

// GetTrace returns the trace's spans ordered by start time ascending.
func (s *SQLiteStore) GetTrace(ctx context.Context, traceID string) ([]*model.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM spans WHERE trace_id = ? ORDER BY start_time ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace: %w", err)
	}
	defer rows.Close()

	spans := []*model.Span{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan trace span: %w", err)
		}
		span, err := unmarshalSpan(payload)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// ListTraces returns matching trace IDs, newest first.
func (s *SQLiteStore) ListTraces(ctx context.Context, limit, offset int, filter model.TraceFilter) ([]string, error) {
	query := `SELECT trace_id FROM spans`
	args := []any{}
	switch {
	case filter.EntityID != nil:
		query += ` WHERE trace_id IN (SELECT DISTINCT trace_id FROM spans WHERE entity_id = ?)`
		args = append(args, *filter.EntityID)
	case filter.EntityType != nil:
		query += ` WHERE trace_id IN (SELECT DISTINCT trace_id FROM spans WHERE entity_type = ?)`
		args = append(args, *filter.EntityType)
	}
	query += ` GROUP BY trace_id ORDER BY MIN(start_time) DESC`
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan trace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteOldSpans removes spans started before the cutoff.
func (s *SQLiteStore) DeleteOldSpans(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spans WHERE start_time < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("storage: delete old spans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveLogRecord inserts a log record and trims to capacity.
func (s *SQLiteStore) SaveLogRecord(ctx context.Context, rec *model.LogRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal log record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO logs (id, trace_id, span_id, ts, severity, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), nullable(rec.TraceID), nullable(rec.SpanID),
		rec.Timestamp.UnixNano(), rec.SeverityNumber, string(payload),
	)
	if err != nil {
		return fmt.Errorf("storage: insert log record: %w", err)
	}
	return s.evictLogs(ctx)
}

func (s *SQLiteStore) evictLogs(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&count); err != nil {
		return fmt.Errorf("storage: count logs: %w", err)
	}
	if count <= s.maxLogs {
		return nil
	}
	retain := int(float64(s.maxLogs) * logRetainFraction)
	evict := count - retain
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id IN (SELECT id FROM logs ORDER BY ts ASC LIMIT ?)`, evict)
	if err != nil {
		return fmt.Errorf("storage: evict logs: %w", err)
	}
	return nil
}

// GetLogsByTraceID returns the trace's logs oldest first.
func (s *SQLiteStore) GetLogsByTraceID(ctx context.Context, traceID string) ([]*model.LogRecord, error) {
	return s.queryLogRows(ctx, `SELECT payload FROM logs WHERE trace_id = ? ORDER BY ts ASC`, traceID)
}

// GetLogsBySpanID returns the span's logs oldest first.
func (s *SQLiteStore) GetLogsBySpanID(ctx context.Context, spanID string) ([]*model.LogRecord, error) {
	return s.queryLogRows(ctx, `SELECT payload FROM logs WHERE span_id = ? ORDER BY ts ASC`, spanID)
}

// QueryLogs returns logs matching the filter, oldest first. The indexed
// columns narrow the scan; the remaining filter fields are applied to the
// decoded payload.
func (s *SQLiteStore) QueryLogs(ctx context.Context, filter model.LogFilter) ([]*model.LogRecord, error) {
	query := `SELECT payload FROM logs WHERE 1=1`
	args := []any{}
	if filter.TraceID != nil {
		query += ` AND trace_id = ?`
		args = append(args, *filter.TraceID)
	}
	if filter.SpanID != nil {
		query += ` AND span_id = ?`
		args = append(args, *filter.SpanID)
	}
	if filter.MinSeverity != nil {
		query += ` AND severity >= ?`
		args = append(args, *filter.MinSeverity)
	}
	if filter.Since != nil {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Until != nil {
		query += ` AND ts < ?`
		args = append(args, filter.Until.UnixNano())
	}
	query += ` ORDER BY ts ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryLogRows(ctx, query, args...)
}

func (s *SQLiteStore) queryLogRows(ctx context.Context, query string, args ...any) ([]*model.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query logs: %w", err)
	}
	defer rows.Close()

	out := []*model.LogRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan log record: %w", err)
		}
		var rec model.LogRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("storage: unmarshal log record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteOldLogs removes logs stamped before the cutoff.
func (s *SQLiteStore) DeleteOldLogs(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("storage: delete old logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Clear removes all spans and logs.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spans`); err != nil {
		return fmt.Errorf("storage: clear spans: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("storage: clear logs: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unmarshalSpan(payload string) (*model.Span, error) {
	var span model.Span
	if err := json.Unmarshal([]byte(payload), &span); err != nil {
		return nil, fmt.Errorf("storage: unmarshal span: %w", err)
	}
	return &span, nil
}

// nullable maps "" to NULL so partial indexes on the entity columns stay
// small.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
