// Package pacing re-emits generated text as word-sized fragments so the
// outward stream looks incrementally generated.
package pacing

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

// DefaultWordDelay matches a natural reading pace for short sentences.
const DefaultWordDelay = 30 * time.Millisecond

// trailerIDOffset keeps the sentence trailer id apart from word ids.
const trailerIDOffset = 1000

// Sink accepts outward fragments. Push blocks until the consumer takes the
// fragment or ctx ends.
type Sink interface {
	Push(ctx context.Context, delta protocol.TextDelta) error
}

type Emitter struct {
	wordDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewEmitter(wordDelay time.Duration) *Emitter {
	if wordDelay < 0 {
		wordDelay = 0
	}
	return &Emitter{wordDelay: wordDelay, sleep: sleepContext}
}

// Emit pushes one fragment per word followed by a single space fragment.
// It returns the number of fragments pushed.
func (e *Emitter) Emit(ctx context.Context, text string, textID int, sink Sink) (int, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0, nil
	}

	id := strconv.Itoa(textID)
	pushed := 0
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if err := sink.Push(ctx, protocol.NewTextDelta(id, word)); err != nil {
			return pushed, err
		}
		pushed++
		if e.wordDelay > 0 {
			if err := e.sleep(ctx, e.wordDelay); err != nil {
				return pushed, err
			}
		}
	}

	if err := sink.Push(ctx, protocol.NewTextDelta(strconv.Itoa(textID+trailerIDOffset), " ")); err != nil {
		return pushed, err
	}
	return pushed + 1, nil
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
