package memory

import (
	"context"
	"errors"
	"time"
)

var ErrUnsupportedURL = errors.New("unsupported transcript store url")

// TurnRecord is the persisted transcript of one finished turn.
type TurnRecord struct {
	TurnID             string    `json:"turn_id"`
	UserInput          string    `json:"user_input"`
	ImmediateText      string    `json:"immediate_text"`
	Thoughts           []string  `json:"thoughts"`
	Responses          []string  `json:"responses"`
	Outcome            string    `json:"outcome"`
	ThoughtsExtracted  int       `json:"thoughts_extracted"`
	ThoughtsProcessed  int       `json:"thoughts_processed"`
	ResponsesGenerated int       `json:"responses_generated"`
	FirstResponseMs    int64     `json:"first_response_ms"`
	ProcessingMs       int64     `json:"processing_ms"`
	PIIRedacted        bool      `json:"pii_redacted"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store persists finished turns.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentTurns returns up to limit records, newest first.
	RecentTurns(ctx context.Context, limit int) ([]TurnRecord, error)
	Close() error
}

const defaultRecentLimit = 20
