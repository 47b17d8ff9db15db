package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one model call's token usage and estimated cost.
type Record struct {
	ID                  string
	Timestamp           time.Time
	RequestID           string
	Phone               string
	Model               string
	Tier                string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords           int     `json:"total_records"`
	TotalInputTokens       int64   `json:"total_input_tokens"`
	TotalOutputTokens      int64   `json:"total_output_tokens"`
	TotalCacheReadTokens   int64   `json:"total_cache_read_tokens"`
	TotalCacheCreateTokens int64   `json:"total_cache_create_tokens"`
	TotalCostUSD           float64 `json:"total_cost_usd"`
}

// Ledger is an append-only SQLite log of model calls. It outlives the
// short TTLs of the key-value counters. Safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger at dbPath.
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage ledger: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_calls (
		id                    TEXT PRIMARY KEY,
		timestamp             TEXT NOT NULL,
		request_id            TEXT NOT NULL,
		phone                 TEXT NOT NULL,
		model                 TEXT NOT NULL,
		tier                  TEXT,
		input_tokens          INTEGER NOT NULL,
		output_tokens         INTEGER NOT NULL,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd              REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_timestamp ON model_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_model_calls_phone ON model_calls(phone);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7; a zero Timestamp
// gets the current time.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO model_calls
			(id, timestamp, request_id, phone, model, tier,
			 input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.Phone,
		rec.Model,
		rec.Tier,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheReadTokens,
		rec.CacheCreationTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0),
	COALESCE(SUM(cost_usd), 0)`

// Summary returns aggregated totals for records within [start, end).
func (l *Ledger) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM model_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := scanSummary(row, &sum); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (l *Ledger) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return l.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByPhone returns per-user totals for records within [start, end).
func (l *Ledger) SummaryByPhone(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return l.summaryGroupedBy(ctx, "phone", start, end)
}

func (l *Ledger) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM model_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := l.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens,
			&sum.TotalCacheReadTokens, &sum.TotalCacheCreateTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

func scanSummary(row *sql.Row, sum *Summary) error {
	return row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalCacheReadTokens, &sum.TotalCacheCreateTokens, &sum.TotalCostUSD)
}
