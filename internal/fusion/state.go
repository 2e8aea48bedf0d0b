package fusion

import (
	"strings"
	"sync"
	"time"
)

// dialogue is the per-turn state shared by the reasoning consumer and the
// generation loop.
type dialogue struct {
	userInput string
	startTime time.Time

	mu                sync.Mutex
	thoughts          []string
	responses         []string
	immediate         string
	firstResponseTime time.Time
	firstThoughtTime  time.Time
	processed         int
	reasoningDone     bool
	finished          bool

	notify chan struct{}
}

func newDialogue(userInput string, now time.Time) *dialogue {
	return &dialogue{
		userInput: userInput,
		startTime: now,
		notify:    make(chan struct{}, 1),
	}
}

// appendThought records a thought and wakes the loop. It returns the new
// thought count, or zero once the turn has finished.
func (d *dialogue) appendThought(text string, now time.Time) int {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return 0
	}
	d.thoughts = append(d.thoughts, text)
	if d.firstThoughtTime.IsZero() {
		d.firstThoughtTime = now
	}
	n := len(d.thoughts)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return n
}

func (d *dialogue) appendResponse(text string) {
	d.mu.Lock()
	d.responses = append(d.responses, text)
	d.mu.Unlock()
}

func (d *dialogue) setImmediate(text string) {
	d.mu.Lock()
	d.immediate = text
	d.mu.Unlock()
}

func (d *dialogue) markFirstResponse(now time.Time) {
	d.mu.Lock()
	if d.firstResponseTime.IsZero() {
		d.firstResponseTime = now
	}
	d.mu.Unlock()
}

func (d *dialogue) markProcessed() {
	d.mu.Lock()
	d.processed++
	d.mu.Unlock()
}

func (d *dialogue) markReasoningDone() {
	d.mu.Lock()
	d.reasoningDone = true
	d.mu.Unlock()
}

// finish stops further thought appends and reports whether this call did it.
func (d *dialogue) finish() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return false
	}
	d.finished = true
	return true
}

func (d *dialogue) isFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// snapshot copies the slices used to build a prompt.
func (d *dialogue) snapshot() (thoughts, responses []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.thoughts...), append([]string(nil), d.responses...)
}

func (d *dialogue) thoughtCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.thoughts)
}

// budgetExit returns the exit reason once the response cap or the character
// budget is reached, or "".
func (d *dialogue) budgetExit(maxResponses, charBudget int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.responses) >= maxResponses {
		return ExitMaxResponses
	}
	if len(strings.Join(d.responses, " ")) > charBudget {
		return ExitCharBudget
	}
	return ""
}
