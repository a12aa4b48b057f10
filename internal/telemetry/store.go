package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Summary holds aggregated model call usage.
type Summary struct {
	Calls               int     `json:"calls"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUsd"`
}

// Store is an append-only SQLite store for telemetry records. It is
// safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates the telemetry tables in db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate telemetry schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry_records (
		id                    TEXT PRIMARY KEY,
		timestamp             TEXT NOT NULL,
		trace_id              TEXT NOT NULL,
		span_id               TEXT NOT NULL,
		parent_span_id        TEXT,
		kind                  TEXT NOT NULL,
		name                  TEXT NOT NULL,
		conversation_id       TEXT,
		agent_id              TEXT,
		tenant_id             TEXT,
		duration_ms           INTEGER NOT NULL DEFAULT 0,
		outcome               TEXT NOT NULL,
		attempt               INTEGER NOT NULL DEFAULT 0,
		input_tokens          INTEGER NOT NULL DEFAULT 0,
		output_tokens         INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd              REAL NOT NULL DEFAULT 0,
		metrics               TEXT,
		preview               TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_trace ON telemetry_records(trace_id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_conversation ON telemetry_records(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec, filling ID and Timestamp when empty.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	var metrics []byte
	if len(rec.Metrics) > 0 {
		var err error
		if metrics, err = json.Marshal(rec.Metrics); err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_records
			(id, timestamp, trace_id, span_id, parent_span_id, kind, name,
			 conversation_id, agent_id, tenant_id, duration_ms, outcome, attempt,
			 input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			 cost_usd, metrics, preview)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.TraceID,
		rec.SpanID,
		rec.ParentSpanID,
		string(rec.Kind),
		rec.Name,
		rec.ConversationID,
		rec.AgentID,
		rec.TenantID,
		rec.DurationMS,
		rec.Outcome,
		rec.Attempt,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheReadTokens,
		rec.CacheCreationTokens,
		rec.CostUSD,
		nullableString(metrics),
		Preview(rec.Preview),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry record: %w", err)
	}
	return nil
}

// Summary returns model call totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM telemetry_records
		 WHERE kind = ? AND timestamp >= ? AND timestamp < ?`,
		string(KindModelCall),
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	var sum Summary
	if err := scanSummary(row, &sum); err != nil {
		return nil, fmt.Errorf("query telemetry summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "name", start, end)
}

// SummaryByAgent returns per-agent totals for records within [start, end).
func (s *Store) SummaryByAgent(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "agent_id", start, end)
}

// SummaryByOutcome returns per-outcome totals for model calls within
// [start, end), which shows how many calls were rate limited, overloaded
// and so on.
func (s *Store) SummaryByOutcome(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "outcome", start, end)
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0),
	COALESCE(SUM(cost_usd), 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner, sum *Summary, prefix ...any) error {
	dest := append(prefix, &sum.Calls, &sum.InputTokens, &sum.OutputTokens,
		&sum.CacheReadTokens, &sum.CacheCreationTokens, &sum.CostUSD)
	return row.Scan(dest...)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column comes from the methods above, never from callers.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM telemetry_records
		 WHERE kind = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query,
		string(KindModelCall),
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query telemetry by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := scanSummary(rows, &sum, &key); err != nil {
			return nil, fmt.Errorf("scan telemetry by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Trace returns every record of a trace in time order.
func (s *Store) Trace(ctx context.Context, traceID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, trace_id, span_id, COALESCE(parent_span_id, ''), kind, name,
			COALESCE(conversation_id, ''), COALESCE(agent_id, ''), COALESCE(tenant_id, ''),
			duration_ms, outcome, attempt, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd,
			COALESCE(metrics, ''), COALESCE(preview, '')
		 FROM telemetry_records
		 WHERE trace_id = ?
		 ORDER BY timestamp, id`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			ts      string
			kind    string
			metrics string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.TraceID, &rec.SpanID, &rec.ParentSpanID, &kind, &rec.Name,
			&rec.ConversationID, &rec.AgentID, &rec.TenantID,
			&rec.DurationMS, &rec.Outcome, &rec.Attempt, &rec.InputTokens, &rec.OutputTokens,
			&rec.CacheReadTokens, &rec.CacheCreationTokens, &rec.CostUSD,
			&metrics, &rec.Preview); err != nil {
			return nil, fmt.Errorf("scan trace record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Timestamp, _ = time.Parse(timeFormat, ts)
		if metrics != "" {
			if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
