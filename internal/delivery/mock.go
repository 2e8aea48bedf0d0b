package delivery

import (
	"context"
	"strings"
	"sync"
)

// MockGenerator answers deterministically without a model. Respond overrides
// the default behavior; every prompt is recorded.
type MockGenerator struct {
	Respond func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	respond := g.Respond
	g.mu.Unlock()

	if respond != nil {
		return respond(prompt)
	}
	return mockReply(prompt), nil
}

// Prompts returns a copy of every prompt seen so far.
func (g *MockGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func mockReply(prompt string) string {
	if knowledge, ok := lastTurn(prompt, roleKnowledge); ok && strings.TrimSpace(knowledge) != "" {
		return strings.TrimSpace(knowledge)
	}
	if user, ok := lastTurn(prompt, roleUser); ok && strings.TrimSpace(user) != "" {
		return "Good question. Let me think it through."
	}
	return "I am listening."
}
