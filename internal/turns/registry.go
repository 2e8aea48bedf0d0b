package turns

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/naturalstream/internal/fusion"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("turn not found")

type Turn struct {
	ID        string         `json:"turn_id"`
	Status    Status         `json:"status"`
	UserInput string         `json:"user_input"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitzero"`
	Report    *fusion.Report `json:"report,omitempty"`
}

// Registry tracks running turns and keeps finished ones for a retention
// window.
type Registry struct {
	mu        sync.RWMutex
	turns     map[string]*Turn
	retention time.Duration
	onEvict   func(*Turn)
	now       func() time.Time
}

func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Registry{
		turns:     make(map[string]*Turn),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) SetEvictHook(hook func(*Turn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = hook
}

func (r *Registry) Begin(turnID, userInput string) *Turn {
	t := &Turn{
		ID:        turnID,
		Status:    StatusActive,
		UserInput: userInput,
		StartedAt: r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[turnID] = t
	return clone(t)
}

// Finish records the final report. Failed reports mark the turn failed.
func (r *Registry) Finish(report fusion.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[report.TurnID]
	if !ok {
		return ErrNotFound
	}
	t.Status = StatusCompleted
	if report.Outcome == fusion.OutcomeFailed {
		t.Status = StatusFailed
	}
	t.EndedAt = r.now()
	rep := report
	t.Report = &rep
	return nil
}

func (r *Registry) Get(turnID string) (*Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.turns[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

// List returns up to limit turns, newest first. limit <= 0 returns all.
func (r *Registry) List(limit int) []*Turn {
	r.mu.RLock()
	out := make([]*Turn, 0, len(r.turns))
	for _, t := range r.turns {
		out = append(out, clone(t))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, t := range r.turns {
		if t.Status == StatusActive {
			count++
		}
	}
	return count
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictFinished()
			}
		}
	}()
}

func (r *Registry) evictFinished() {
	now := r.now()
	var evicted []*Turn

	r.mu.Lock()
	for id, t := range r.turns {
		if t.Status == StatusActive || now.Sub(t.EndedAt) < r.retention {
			continue
		}
		evicted = append(evicted, clone(t))
		delete(r.turns, id)
	}
	hook := r.onEvict
	r.mu.Unlock()

	if hook != nil {
		for _, t := range evicted {
			hook(t)
		}
	}
}

func clone(t *Turn) *Turn {
	c := *t
	if t.Report != nil {
		rep := *t.Report
		c.Report = &rep
	}
	return &c
}
