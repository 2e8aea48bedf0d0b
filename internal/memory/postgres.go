package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turn transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turn_transcripts (
			turn_id TEXT PRIMARY KEY,
			user_input TEXT NOT NULL,
			immediate_text TEXT NOT NULL DEFAULT '',
			thoughts JSONB NOT NULL DEFAULT '[]',
			responses JSONB NOT NULL DEFAULT '[]',
			outcome TEXT NOT NULL,
			thoughts_extracted INTEGER NOT NULL DEFAULT 0,
			thoughts_processed INTEGER NOT NULL DEFAULT 0,
			responses_generated INTEGER NOT NULL DEFAULT 0,
			first_response_ms BIGINT NOT NULL DEFAULT 0,
			processing_ms BIGINT NOT NULL DEFAULT 0,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turn_transcripts_created ON turn_transcripts (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = withDefaults(record)
	thoughts, responses, err := encodeLists(record)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO turn_transcripts (turn_id, user_input, immediate_text, thoughts, responses, outcome,
			thoughts_extracted, thoughts_processed, responses_generated, first_response_ms, processing_ms,
			pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (turn_id) DO NOTHING`,
		record.TurnID,
		record.UserInput,
		record.ImmediateText,
		thoughts,
		responses,
		record.Outcome,
		record.ThoughtsExtracted,
		record.ThoughtsProcessed,
		record.ResponsesGenerated,
		record.FirstResponseMs,
		record.ProcessingMs,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT turn_id, user_input, immediate_text, thoughts, responses, outcome, thoughts_extracted,
			thoughts_processed, responses_generated, first_response_ms, processing_ms, pii_redacted, created_at
		 FROM turn_transcripts ORDER BY created_at DESC LIMIT $1`,
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
			thoughts, responses []byte
		)
		if err := rows.Scan(&r.TurnID, &r.UserInput, &r.ImmediateText, &thoughts, &responses, &r.Outcome,
			&r.ThoughtsExtracted, &r.ThoughtsProcessed, &r.ResponsesGenerated, &r.FirstResponseMs,
			&r.ProcessingMs, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if err := decodeLists(&r, thoughts, responses); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func withDefaults(record TurnRecord) TurnRecord {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Thoughts == nil {
		record.Thoughts = []string{}
	}
	if record.Responses == nil {
		record.Responses = []string{}
	}
	return record
}

func encodeLists(record TurnRecord) (thoughts, responses []byte, err error) {
	if thoughts, err = json.Marshal(record.Thoughts); err != nil {
		return nil, nil, fmt.Errorf("marshal thoughts: %w", err)
	}
	if responses, err = json.Marshal(record.Responses); err != nil {
		return nil, nil, fmt.Errorf("marshal responses: %w", err)
	}
	return thoughts, responses, nil
}

func decodeLists(record *TurnRecord, thoughts, responses []byte) error {
	if err := json.Unmarshal(thoughts, &record.Thoughts); err != nil {
		return fmt.Errorf("unmarshal thoughts: %w", err)
	}
	if err := json.Unmarshal(responses, &record.Responses); err != nil {
		return fmt.Errorf("unmarshal responses: %w", err)
	}
	return nil
}
