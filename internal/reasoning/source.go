// Package reasoning opens token streams from the slow, high-quality model.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

// Request is the conversation sent to the reasoning model.
type Request struct {
	Messages []protocol.ChatMessage
}

// Stream yields parts until it returns io.EOF.
type Stream interface {
	Recv() (protocol.StreamPart, error)
	Close() error
}

// Source opens one reasoning stream per turn.
type Source interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Config controls source construction.
type Config struct {
	Mode string

	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	GeminiAPIKey string
	GeminiModel  string

	// Markers are the thought delimiters the model is instructed to emit.
	Markers Markers

	MockFragmentDelay time.Duration
}

func NewSource(ctx context.Context, cfg Config) (Source, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoSource(ctx, cfg)
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("reasoning API key is required for openai mode")
		}
		return NewOpenAISource(OpenAIConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model, Timeout: cfg.Timeout, Markers: cfg.Markers}), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("gemini API key is required for gemini mode")
		}
		return NewGeminiSource(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Markers)
	case "mock":
		return newMockSource(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning mode %q", cfg.Mode)
	}
}

func newAutoSource(ctx context.Context, cfg Config) (Source, error) {
	if strings.TrimSpace(cfg.APIKey) != "" {
		return NewOpenAISource(OpenAIConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model, Timeout: cfg.Timeout, Markers: cfg.Markers}), nil
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		return NewGeminiSource(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Markers)
	}
	return newMockSource(cfg), nil
}

func newMockSource(cfg Config) *MockSource {
	src := NewMockSource(cfg.MockFragmentDelay)
	src.Markers = cfg.Markers
	return src
}
