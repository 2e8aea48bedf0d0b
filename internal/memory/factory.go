package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from the URL scheme. An empty URL selects the
// in-memory store.
func NewStore(ctx context.Context, storeURL string) (Store, error) {
	raw := strings.TrimSpace(storeURL)
	switch {
	case raw == "":
		return NewInMemoryStore(0), nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return NewPostgresStore(ctx, raw)
	case strings.HasPrefix(raw, "redis://"), strings.HasPrefix(raw, "rediss://"):
		return NewRedisStore(ctx, raw, 0)
	case strings.HasPrefix(raw, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(raw, "sqlite://"))
	default:
		scheme, _, _ := strings.Cut(raw, "://")
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, scheme)
	}
}
