// Package usage provides append-only accounting of chat requests:
// per-request token counts, attachment sizes, and the prompt/response
// pair, persisted to SQLite. A background Logger dispatches records
// asynchronously so callers never wait on, or fail because of,
// accounting.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Request type labels for the Type column.
const (
	TypeTextOnly     = "LiviaTextOnly"
	TypeTextAndImage = "LiviaTextAndImage"
)

// Record is one chat request's accounting entry.
type Record struct {
	ID        string
	Timestamp time.Time
	Type      string // TypeTextOnly or TypeTextAndImage
	SessionID string
	Model     string
	Prompt    string
	Response  string

	PersonaTokens    int
	InputTextTokens  int
	InputImageTokens int
	OutputTokens     int
	TotalTokens      int

	// FileSizeMB is the uploaded attachment size in megabytes, rounded
	// to two decimals. Zero for text-only requests.
	FileSizeMB float64
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalTokens       int64
}

// Store is an append-only SQLite store for accounting records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an accounting store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id                 TEXT PRIMARY KEY,
		timestamp          TEXT NOT NULL,
		type               TEXT NOT NULL,
		session_id         TEXT,
		model              TEXT NOT NULL,
		prompt             TEXT NOT NULL,
		response           TEXT NOT NULL,
		persona_tokens     INTEGER NOT NULL,
		input_text_tokens  INTEGER NOT NULL,
		input_image_tokens INTEGER NOT NULL,
		output_tokens      INTEGER NOT NULL,
		total_tokens       INTEGER NOT NULL,
		file_size_mb       REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_type ON usage_records(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an accounting record. If rec.ID is empty, a UUIDv7
// is generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, type, session_id, model, prompt, response,
			 persona_tokens, input_text_tokens, input_image_tokens,
			 output_tokens, total_tokens, file_size_mb)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Type,
		rec.SessionID,
		rec.Model,
		rec.Prompt,
		rec.Response,
		rec.PersonaTokens,
		rec.InputTextTokens,
		rec.InputImageTokens,
		rec.OutputTokens,
		rec.TotalTokens,
		rec.FileSizeMB,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(persona_tokens + input_text_tokens + input_image_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(total_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records
// within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByType returns per-request-type aggregated totals for records
// within [start, end).
func (s *Store) SummaryByType(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("type", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*),
		        COALESCE(SUM(persona_tokens + input_text_tokens + input_image_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(total_tokens), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(total_tokens) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
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
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
