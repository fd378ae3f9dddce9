package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/migrations"
)

// PostgresStore is a durable Store backed by Postgres, for deployments where
// several pipeline instances share one trace history.
type PostgresStore struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	maxSpans int
	maxLogs  int
}

// NewPostgresStore connects to databaseURL, verifies connectivity, and runs
// the embedded schema migrations.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger, maxSpans, maxLogs int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if err := runMigrations(ctx, pool, logger, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	if maxSpans <= 0 {
		maxSpans = DefaultMaxSpans
	}
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &PostgresStore{pool: pool, logger: logger, maxSpans: maxSpans, maxLogs: maxLogs}, nil
}

// AddSpan upserts the span and trims to capacity.
func (s *PostgresStore) AddSpan(ctx context.Context, span *model.Span) error {
	payload, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("storage: marshal span: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO spans (span_id, trace_id, entity_id, entity_type, start_time, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (span_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			entity_id = EXCLUDED.entity_id,
			entity_type = EXCLUDED.entity_type,
			start_time = EXCLUDED.start_time,
			payload = EXCLUDED.payload`,
		span.SpanID, span.TraceID, nullable(span.EntityID()), nullable(span.EntityType()),
		span.StartTime.UTC(), payload,
	)
	if err != nil {
		return fmt.Errorf("storage: insert span: %w", err)
	}
	return s.evictSpans(ctx)
}

// UpdateSpan replaces the stored span. Unknown IDs are a no-op.
func (s *PostgresStore) UpdateSpan(ctx context.Context, span *model.Span) error {
	payload, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("storage: marshal span: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE spans SET trace_id = $1, entity_id = $2, entity_type = $3, start_time = $4, payload = $5
		 WHERE span_id = $6`,
		span.TraceID, nullable(span.EntityID()), nullable(span.EntityType()),
		span.StartTime.UTC(), payload, span.SpanID,
	)
	if err != nil {
		return fmt.Errorf("storage: update span: %w", err)
	}
	return nil
}

func (s *PostgresStore) evictSpans(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM spans WHERE span_id IN (
			SELECT span_id FROM spans ORDER BY start_time ASC
			LIMIT GREATEST((SELECT COUNT(*) FROM spans) - $1, 0)
		)`, s.maxSpans)
	if err != nil {
		return fmt.Errorf("storage: evict spans: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 && s.logger != nil {
		s.logger.Debug("storage: evicted spans over capacity", "evicted", n, "max_spans", s.maxSpans)
	}
	return nil
}

// GetSpan returns the span or ErrNotFound.
func (s *PostgresStore) GetSpan(ctx context.Context, spanID string) (*model.Span, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM spans WHERE span_id = $1`, spanID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get span: %w", err)
	}
	return unmarshalSpan(string(payload))
}

// GetTrace returns the trace's spans ordered by start time ascending.
func (s *PostgresStore) GetTrace(ctx context.Context, traceID string) ([]*model.Span, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM spans WHERE trace_id = $1 ORDER BY start_time ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace: %w", err)
	}
	defer rows.Close()

	spans := []*model.Span{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan trace span: %w", err)
		}
		span, err := unmarshalSpan(string(payload))
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

// ListTraces returns matching trace IDs, newest first.
func (s *PostgresStore) ListTraces(ctx context.Context, limit, offset int, filter model.TraceFilter) ([]string, error) {
	query := `SELECT trace_id FROM spans`
	args := []any{}
	switch {
	case filter.EntityID != nil:
		query += ` WHERE trace_id IN (SELECT DISTINCT trace_id FROM spans WHERE entity_id = $1)`
		args = append(args, *filter.EntityID)
	case filter.EntityType != nil:
		query += ` WHERE trace_id IN (SELECT DISTINCT trace_id FROM spans WHERE entity_type = $1)`
		args = append(args, *filter.EntityType)
	}
	query += ` GROUP BY trace_id ORDER BY MIN(start_time) DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
	args = append(args, offset)

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) DeleteOldSpans(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM spans WHERE start_time < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: delete old spans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveLogRecord inserts a log record and trims to capacity.
func (s *PostgresStore) SaveLogRecord(ctx context.Context, rec *model.LogRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal log record: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO logs (id, trace_id, span_id, ts, severity, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, nullable(rec.TraceID), nullable(rec.SpanID),
		rec.Timestamp.UTC(), rec.SeverityNumber, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: insert log record: %w", err)
	}
	return s.evictLogs(ctx)
}

func (s *PostgresStore) evictLogs(ctx context.Context) error {
	retain := int(float64(s.maxLogs) * logRetainFraction)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM logs WHERE id IN (
			SELECT id FROM logs ORDER BY ts ASC
			LIMIT CASE WHEN (SELECT COUNT(*) FROM logs) > $1
				THEN (SELECT COUNT(*) FROM logs) - $2 ELSE 0 END
		)`, s.maxLogs, retain)
	if err != nil {
		return fmt.Errorf("storage: evict logs: %w", err)
	}
	return nil
}

// GetLogsByTraceID returns the trace's logs oldest first.
func (s *PostgresStore) GetLogsByTraceID(ctx context.Context, traceID string) ([]*model.LogRecord, error) {
	return s.queryLogRows(ctx, `SELECT payload FROM logs WHERE trace_id = $1 ORDER BY ts ASC`, traceID)
}

// GetLogsBySpanID returns the span's logs oldest first.
func (s *PostgresStore) GetLogsBySpanID(ctx context.Context, spanID string) ([]*model.LogRecord, error) {
	return s.queryLogRows(ctx, `SELECT payload FROM logs WHERE span_id = $1 ORDER BY ts ASC`, spanID)
}

// QueryLogs returns logs matching the filter, oldest first.
func (s *PostgresStore) QueryLogs(ctx context.Context, filter model.LogFilter) ([]*model.LogRecord, error) {
	query := `SELECT payload FROM logs WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.TraceID != nil {
		query += ` AND trace_id = ` + arg(*filter.TraceID)
	}
	if filter.SpanID != nil {
		query += ` AND span_id = ` + arg(*filter.SpanID)
	}
	if filter.MinSeverity != nil {
		query += ` AND severity >= ` + arg(*filter.MinSeverity)
	}
	if filter.Since != nil {
		query += ` AND ts >= ` + arg(filter.Since.UTC())
	}
	if filter.Until != nil {
		query += ` AND ts < ` + arg(filter.Until.UTC())
	}
	query += ` ORDER BY ts ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	return s.queryLogRows(ctx, query, args...)
}

func (s *PostgresStore) queryLogRows(ctx context.Context, query string, args ...any) ([]*model.LogRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query logs: %w", err)
	}
	defer rows.Close()

	out := []*model.LogRecord{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan log record: %w", err)
		}
		var rec model.LogRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("storage: unmarshal log record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DeleteOldLogs removes logs stamped before the cutoff.
func (s *PostgresStore) DeleteOldLogs(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM logs WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: delete old logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Clear removes all spans and logs.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE spans, logs`); err != nil {
		return fmt.Errorf("storage: clear: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
