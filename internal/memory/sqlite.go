package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists turn transcripts in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path, creating parent directories. ":memory:" keeps
// the database in process.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS turn_transcripts (
		turn_id TEXT PRIMARY KEY,
		user_input TEXT NOT NULL,
		immediate_text TEXT NOT NULL DEFAULT '',
		thoughts TEXT NOT NULL DEFAULT '[]',
		responses TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL,
		thoughts_extracted INTEGER NOT NULL DEFAULT 0,
		thoughts_processed INTEGER NOT NULL DEFAULT 0,
		responses_generated INTEGER NOT NULL DEFAULT 0,
		first_response_ms INTEGER NOT NULL DEFAULT 0,
		processing_ms INTEGER NOT NULL DEFAULT 0,
		pii_redacted INTEGER NOT NULL DEFAULT 0,
		created_at_ns INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_turn_transcripts_created ON turn_transcripts (created_at_ns)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = withDefaults(record)
	thoughts, responses, err := encodeLists(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO turn_transcripts (turn_id, user_input, immediate_text, thoughts, responses, outcome,
			thoughts_extracted, thoughts_processed, responses_generated, first_response_ms, processing_ms,
			pii_redacted, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TurnID,
		record.UserInput,
		record.ImmediateText,
		string(thoughts),
		string(responses),
		record.Outcome,
		record.ThoughtsExtracted,
		record.ThoughtsProcessed,
		record.ResponsesGenerated,
		record.FirstResponseMs,
		record.ProcessingMs,
		record.PIIRedacted,
		record.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, user_input, immediate_text, thoughts, responses, outcome, thoughts_extracted,
			thoughts_processed, responses_generated, first_response_ms, processing_ms, pii_redacted, created_at_ns
		 FROM turn_transcripts ORDER BY created_at_ns DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r                   TurnRecord
			thoughts, responses string
			createdNs           int64
		)
		if err := rows.Scan(&r.TurnID, &r.UserInput, &r.ImmediateText, &thoughts, &responses, &r.Outcome,
			&r.ThoughtsExtracted, &r.ThoughtsProcessed, &r.ResponsesGenerated, &r.FirstResponseMs,
			&r.ProcessingMs, &r.PIIRedacted, &createdNs); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if err := decodeLists(&r, []byte(thoughts), []byte(responses)); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, createdNs).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
