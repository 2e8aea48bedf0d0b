package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ent0n29/naturalstream/internal/logx"
	"github.com/ent0n29/naturalstream/internal/reliability"
)

// RetryingGenerator repeats retryable failures with capped exponential backoff.
type RetryingGenerator struct {
	inner    Generator
	retries  int
	base     time.Duration
	cap      time.Duration
	sleepCtx func(ctx context.Context, d time.Duration) error
}

func NewRetryingGenerator(inner Generator, retries int, base, cap time.Duration) *RetryingGenerator {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if cap < base {
		cap = base
	}
	return &RetryingGenerator{
		inner:    inner,
		retries:  retries,
		base:     base,
		cap:      cap,
		sleepCtx: sleepContext,
	}
}

func (g *RetryingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, g.base, g.cap)
			logx.Debug().Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying delivery call")
			if err := g.sleepCtx(ctx, wait); err != nil {
				return "", lastErr
			}
		}
		text, err := g.inner.Generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

// CachingGenerator memoizes successful results by prompt.
type CachingGenerator struct {
	inner Generator
	cache *expirable.LRU[string, string]
}

func NewCachingGenerator(inner Generator, size int, ttl time.Duration) *CachingGenerator {
	if size <= 0 {
		size = 128
	}
	return &CachingGenerator{
		inner: inner,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (g *CachingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if text, ok := g.cache.Get(prompt); ok {
		return text, nil
	}
	text, err := g.inner.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		g.cache.Add(prompt, text)
	}
	return text, nil
}

// Len reports the number of cached prompts.
func (g *CachingGenerator) Len() int {
	return g.cache.Len()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
