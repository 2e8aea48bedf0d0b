// Package fusion merges a slow reasoning stream and a fast delivery model into
// one outward stream that starts quickly and keeps folding in new thoughts.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/naturalstream/internal/delivery"
	"github.com/ent0n29/naturalstream/internal/logx"
	"github.com/ent0n29/naturalstream/internal/pacing"
	"github.com/ent0n29/naturalstream/internal/protocol"
	"github.com/ent0n29/naturalstream/internal/reasoning"
	"github.com/ent0n29/naturalstream/internal/thought"
)

var (
	ErrTurnFailure    = errors.New("turn failed")
	ErrInvalidRequest = errors.New("invalid chat request")
	ErrDuplicateTurn  = errors.New("turn id already active")
)

const (
	immediateTextID  = 1
	firstLoopTextID  = 2
	fallbackFragment = "1"
)

// Config wires a Controller. Immediate defaults to Delivery.
type Config struct {
	Delivery  delivery.Generator
	Immediate delivery.Generator
	Reasoning reasoning.Source
	Observer  Observer
	Options   Options
}

type Controller struct {
	delivery  delivery.Generator
	immediate delivery.Generator
	reasoning reasoning.Source
	observer  Observer
	opts      Options
	emitter   *pacing.Emitter
	now       func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Delivery == nil {
		return nil, errors.New("delivery generator is required")
	}
	if cfg.Reasoning == nil {
		return nil, errors.New("reasoning source is required")
	}
	immediate := cfg.Immediate
	if immediate == nil {
		immediate = cfg.Delivery
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	opts := cfg.Options.withDefaults()
	return &Controller{
		delivery:  cfg.Delivery,
		immediate: immediate,
		reasoning: cfg.Reasoning,
		observer:  observer,
		opts:      opts,
		emitter:   pacing.NewEmitter(opts.WordDelay),
		now:       time.Now,
		active:    make(map[string]struct{}),
	}, nil
}

// StartRequest is one chat turn. TurnID is generated when empty.
type StartRequest struct {
	TurnID   string
	Messages []protocol.ChatMessage
}

// Turn is a running turn. Read fragments with Recv until io.EOF or
// ErrTurnFailure.
type Turn struct {
	ID        string
	UserInput string

	stream *Stream
	done   chan struct{}
	report Report
}

func (t *Turn) Recv(ctx context.Context) (protocol.TextDelta, error) {
	return t.stream.Recv(ctx)
}

// Done is closed after the report has been produced.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Report returns the final report. It blocks until the turn is done.
func (t *Turn) Report() Report {
	<-t.done
	return t.report
}

// Start opens the reasoning stream and launches the turn. Setup failures are
// returned before any fragment is produced. A TurnID that is still running is
// rejected with ErrDuplicateTurn. The turn runs until its loop ends or ctx is
// canceled.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Turn, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages required", ErrInvalidRequest)
	}
	turnID := strings.TrimSpace(req.TurnID)
	if turnID == "" {
		turnID = uuid.NewString()
	}
	if !c.claim(turnID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTurn, turnID)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	rs, err := c.reasoning.Open(turnCtx, reasoning.Request{Messages: req.Messages})
	if err != nil {
		cancel()
		c.release(turnID)
		logx.Error().Err(err).Str("turn_id", turnID).Msg("reasoning stream could not be opened")
		return nil, fmt.Errorf("%w: open reasoning stream: %v", ErrTurnFailure, err)
	}

	turn := &Turn{
		ID:        turnID,
		UserInput: protocol.UserInput(req.Messages),
		stream:    newStream(),
		done:      make(chan struct{}),
	}
	go c.run(turnCtx, cancel, turn, rs)
	return turn, nil
}

func (c *Controller) claim(turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[turnID]; ok {
		return false
	}
	c.active[turnID] = struct{}{}
	return true
}

func (c *Controller) release(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, turnID)
}

type runState struct {
	turn      *Turn
	state     *dialogue
	fragments int
	fallback  bool
	exit      string
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, turn *Turn, rs reasoning.Stream) {
	st := &runState{turn: turn, state: newDialogue(turn.UserInput, c.now())}
	log := logx.With().Str("turn_id", turn.ID).Logger()

	defer func() {
		var failure error
		if r := recover(); r != nil {
			failure = fmt.Errorf("panic: %v", r)
			st.exit = ExitPanic
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("turn panicked")
		}

		st.state.finish()
		if failure != nil {
			turn.stream.CloseWithError(ErrTurnFailure)
		} else {
			turn.stream.Close()
		}

		// Read before the closer cancels ctx, or completed turns report as canceled.
		ctxErr := ctx.Err()
		go func() {
			if err := rs.Close(); err != nil {
				log.Debug().Err(err).Msg("close reasoning stream")
			}
			cancel()
		}()

		report := c.buildReport(st, ctxErr, failure)
		turn.report = report
		c.safeReport(report)
		c.release(turn.ID)
		close(turn.done)
	}()

	c.observer.TurnStarted(turn.ID, turn.UserInput)
	log.Info().Str("user_input", turn.UserInput).Msg("turn started")

	if err := c.respondImmediately(ctx, st); err != nil {
		st.exit = ExitCanceled
		log.Debug().Err(err).Msg("turn ended during immediate response")
		return
	}

	go c.consume(ctx, turn.ID, rs, st.state)

	st.exit = c.generate(ctx, st)
	c.observer.LoopExited(turn.ID, st.exit)
	log.Info().Str("reason", st.exit).Msg("generation loop exited")
}

// respondImmediately answers from the user input alone. Only a push failure
// is returned; generation failures fall back.
func (c *Controller) respondImmediately(ctx context.Context, st *runState) error {
	state := st.state
	text, err := c.immediate.Generate(ctx, delivery.ImmediatePrompt(state.userInput))
	state.markFirstResponse(c.now())
	latency := c.now().Sub(state.startTime)

	if err == nil && strings.TrimSpace(text) != "" {
		state.setImmediate(text)
		c.observer.ImmediateResponded(st.turn.ID, latency, false)
		n, perr := c.emitter.Emit(ctx, text, immediateTextID, st.turn.stream)
		st.fragments += n
		return perr
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.observer.DeliveryFailed(st.turn.ID, err)
		logx.Warn().Err(err).Str("turn_id", st.turn.ID).Msg("immediate response failed")
	}
	st.fallback = true
	c.observer.ImmediateResponded(st.turn.ID, latency, true)
	if c.opts.Fallback == FallbackSilence {
		return nil
	}
	if err := st.turn.stream.Push(ctx, protocol.NewTextDelta(fallbackFragment, FallbackText)); err != nil {
		return err
	}
	st.fragments++
	return nil
}

// consume feeds reasoning text into the extractor until the stream ends.
// Failures here never end the turn.
func (c *Controller) consume(ctx context.Context, turnID string, rs reasoning.Stream, state *dialogue) {
	defer state.markReasoningDone()
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("turn_id", turnID).Interface("panic", r).Msg("reasoning consumer panicked")
			c.observer.ReasoningFailed(turnID, fmt.Errorf("panic: %v", r))
		}
	}()

	extractor := thought.NewExtractor(c.opts.BeginMarker, c.opts.EndMarker)
	for {
		part, err := rs.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if pending := extractor.Pending(); strings.Contains(pending, c.opts.BeginMarker) {
					logx.Debug().Str("turn_id", turnID).Int("pending_bytes", len(pending)).Msg("dropping unterminated thought")
				}
				return
			}
			if ctx.Err() != nil || state.isFinished() {
				return
			}
			logx.Warn().Err(err).Str("turn_id", turnID).Msg("reasoning stream failed")
			c.observer.ReasoningFailed(turnID, err)
			return
		}
		if part.Type != protocol.PartTextDelta {
			continue
		}
		for _, t := range extractor.Feed(part.Delta) {
			n := state.appendThought(t, c.now())
			if n == 0 {
				return
			}
			c.observer.ThoughtExtracted(turnID, n-1, t)
		}
	}
}

// generate runs the loop that turns new thoughts into paced responses and
// returns the exit reason.
func (c *Controller) generate(ctx context.Context, st *runState) string {
	state := st.state
	lastThoughtCount := 0
	idle := 0
	textID := firstLoopTextID

	timer := time.NewTimer(c.opts.PollInterval)
	defer timer.Stop()
	wait := func(wakeOnNotify bool) bool {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.opts.PollInterval)
		notify := state.notify
		if !wakeOnNotify {
			notify = nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-notify:
			return true
		case <-timer.C:
			idle++
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return ExitCanceled
		}
		if idle >= c.opts.IdleLimit {
			return ExitIdleLimit
		}
		if reason := state.budgetExit(c.opts.MaxResponses, c.opts.CharBudget); reason != "" {
			return reason
		}

		if state.thoughtCount() <= lastThoughtCount {
			if !wait(true) {
				return ExitCanceled
			}
			continue
		}

		thoughts, responses := state.snapshot()
		state.markProcessed()
		text, err := c.delivery.Generate(ctx, delivery.DialoguePrompt(state.userInput, thoughts, responses))
		if err != nil || strings.TrimSpace(text) == "" {
			if ctx.Err() != nil {
				return ExitCanceled
			}
			if err != nil {
				c.observer.DeliveryFailed(st.turn.ID, err)
				logx.Debug().Err(err).Str("turn_id", st.turn.ID).Str("kind", delivery.KindOf(err)).Msg("delivery failed for thought")
			}
			if !wait(false) {
				return ExitCanceled
			}
			continue
		}

		n, perr := c.emitter.Emit(ctx, text, textID, st.turn.stream)
		st.fragments += n
		if perr != nil {
			return ExitCanceled
		}
		state.appendResponse(text)
		c.observer.ResponseGenerated(st.turn.ID, textID, text)
		textID++
		lastThoughtCount = len(thoughts)
		idle = 0
	}
}

func (c *Controller) buildReport(st *runState, ctxErr, failure error) Report {
	state := st.state
	state.mu.Lock()
	defer state.mu.Unlock()

	r := Report{
		TurnID:             st.turn.ID,
		UserInput:          state.userInput,
		Outcome:            OutcomeCompleted,
		ExitReason:         st.exit,
		ImmediateText:      state.immediate,
		ImmediateFallback:  st.fallback,
		ThoughtsExtracted:  len(state.thoughts),
		ThoughtsProcessed:  state.processed,
		ResponsesGenerated: len(state.responses),
		FragmentsEmitted:   st.fragments,
		ReasoningDone:      state.reasoningDone,
		ProcessingTimeMs:   c.now().Sub(state.startTime).Milliseconds(),
		Thoughts:           append([]string{}, state.thoughts...),
		Responses:          append([]string{}, state.responses...),
		FullText:           strings.Join(state.responses, " "),
	}
	if !state.firstResponseTime.IsZero() {
		r.FirstResponseTimeMs = state.firstResponseTime.Sub(state.startTime).Milliseconds()
	}
	if !state.firstThoughtTime.IsZero() {
		r.FirstThoughtTimeMs = state.firstThoughtTime.Sub(state.startTime).Milliseconds()
	}
	switch {
	case failure != nil:
		r.Outcome = OutcomeFailed
		r.Error = failure.Error()
	case st.exit == ExitCanceled || ctxErr != nil:
		r.Outcome = OutcomeCanceled
		if r.ExitReason == "" {
			r.ExitReason = ExitCanceled
		}
	}
	return r
}

// safeReport keeps a panicking observer from taking the process down.
func (c *Controller) safeReport(report Report) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("turn_id", report.TurnID).Interface("panic", r).Msg("observer report panicked")
		}
	}()
	c.observer.Report(report)
}
