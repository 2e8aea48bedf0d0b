package fusion

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/naturalstream/internal/pacing"
	"github.com/ent0n29/naturalstream/internal/thought"
)

// FallbackText is emitted when the immediate response cannot be generated.
const FallbackText = "Let me think about that... "

// FallbackBehavior selects what happens when the immediate response fails.
type FallbackBehavior string

const (
	FallbackPassthrough FallbackBehavior = "passthrough"
	FallbackSilence     FallbackBehavior = "silence"
)

// Options bound one turn's generation loop.
type Options struct {
	PollInterval time.Duration
	IdleLimit    int
	MaxResponses int
	CharBudget   int
	WordDelay    time.Duration
	Fallback     FallbackBehavior
	BeginMarker  string
	EndMarker    string
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 100 * time.Millisecond,
		IdleLimit:    100,
		MaxResponses: 5,
		CharBudget:   500,
		WordDelay:    pacing.DefaultWordDelay,
		Fallback:     FallbackPassthrough,
		BeginMarker:  thought.DefaultBeginMarker,
		EndMarker:    thought.DefaultEndMarker,
	}
}

// withDefaults fills zero fields. WordDelay zero is kept so tests can run
// without pacing.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.IdleLimit <= 0 {
		o.IdleLimit = d.IdleLimit
	}
	if o.MaxResponses <= 0 {
		o.MaxResponses = d.MaxResponses
	}
	if o.CharBudget <= 0 {
		o.CharBudget = d.CharBudget
	}
	if o.WordDelay < 0 {
		o.WordDelay = 0
	}
	if o.Fallback == "" {
		o.Fallback = d.Fallback
	}
	if o.BeginMarker == "" {
		o.BeginMarker = d.BeginMarker
	}
	if o.EndMarker == "" {
		o.EndMarker = d.EndMarker
	}
	return o
}

// ParseFallbackBehavior accepts passthrough or silence, case-insensitively.
func ParseFallbackBehavior(raw string) (FallbackBehavior, error) {
	switch FallbackBehavior(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FallbackPassthrough:
		return FallbackPassthrough, nil
	case FallbackSilence:
		return FallbackSilence, nil
	default:
		return "", fmt.Errorf("unsupported fallback behavior %q", raw)
	}
}
