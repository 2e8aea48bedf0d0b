package fusion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/naturalstream/internal/delivery"
	"github.com/ent0n29/naturalstream/internal/protocol"
	"github.com/ent0n29/naturalstream/internal/reasoning"
)

type chanStream struct {
	parts  chan protocol.StreamPart
	endErr error

	once   sync.Once
	closed chan struct{}
}

func newChanStream(buffer int) *chanStream {
	return &chanStream{parts: make(chan protocol.StreamPart, buffer), closed: make(chan struct{})}
}

func (s *chanStream) send(fragments ...string) {
	for _, f := range fragments {
		s.parts <- protocol.StreamPart{Type: protocol.PartTextDelta, Delta: f}
	}
}

func (s *chanStream) Recv() (protocol.StreamPart, error) {
	select {
	case p, ok := <-s.parts:
		if !ok {
			if s.endErr != nil {
				return protocol.StreamPart{}, s.endErr
			}
			return protocol.StreamPart{}, io.EOF
		}
		return p, nil
	case <-s.closed:
		return protocol.StreamPart{}, io.EOF
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type chanSource struct {
	stream  *chanStream
	err     error
	request reasoning.Request
}

func (s *chanSource) Open(_ context.Context, req reasoning.Request) (reasoning.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.request = req
	return s.stream, nil
}

type recordingObserver struct {
	NopObserver

	mu              sync.Mutex
	thoughts        []string
	reports         []Report
	deliveryErrors  int
	reasoningErrors []error
	exits           []string
}

func (o *recordingObserver) ThoughtExtracted(_ string, _ int, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.thoughts = append(o.thoughts, text)
}

func (o *recordingObserver) DeliveryFailed(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveryErrors++
}

func (o *recordingObserver) ReasoningFailed(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasoningErrors = append(o.reasoningErrors, err)
}

func (o *recordingObserver) LoopExited(_, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exits = append(o.exits, reason)
}

func (o *recordingObserver) Report(r Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func (o *recordingObserver) thoughtCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.thoughts)
}

func fastOptions() Options {
	return Options{
		PollInterval: 2 * time.Millisecond,
		IdleLimit:    15,
		WordDelay:    0,
	}
}

func userMessages(text string) []protocol.ChatMessage {
	return []protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}}
}

func isDialoguePrompt(prompt string) bool {
	return strings.Contains(prompt, "<|im_start|>knowledge\n")
}

func newTestController(t *testing.T, gen delivery.Generator, src reasoning.Source, obs Observer, opts Options) *Controller {
	t.Helper()
	c, err := NewController(Config{Delivery: gen, Reasoning: src, Observer: obs, Options: opts})
	require.NoError(t, err)
	return c
}

// collect drains the turn and returns the fragments and the terminal error.
func collect(t *testing.T, turn *Turn) ([]protocol.TextDelta, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []protocol.TextDelta
	for {
		d, err := turn.Recv(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}

func joined(deltas []protocol.TextDelta) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d.Delta)
	}
	return b.String()
}

func TestSplitMarkerScenario(t *testing.T) {
	stream := newChanStream(8)
	stream.send("[bt]ML is AI su", "bset[et] <|sil|> [bt]It trains on da", "ta[et]")
	close(stream.parts)

	gen := delivery.NewMockGenerator()
	obs := &recordingObserver{}
	c := newTestController(t, gen, &chanSource{stream: stream}, obs, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{TurnID: "t-1", Messages: userMessages("What is ML?")})
	require.NoError(t, err)

	deltas, err := collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	report := turn.Report()
	assert.Equal(t, []string{"ML is AI subset", "It trains on data"}, report.Thoughts)
	assert.Equal(t, 2, report.ThoughtsExtracted)
	require.NotEmpty(t, report.Responses)
	assert.Equal(t, "ML is AI subset", report.Responses[0])
	assert.LessOrEqual(t, len(report.Responses), len(report.Thoughts))
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, ExitIdleLimit, report.ExitReason)
	assert.True(t, report.ReasoningDone)

	text := joined(deltas)
	assert.True(t, strings.HasPrefix(text, "Good question. Let me think it through. "))
	assert.Contains(t, text, "ML is AI subset ")
	assert.Equal(t, report.FragmentsEmitted, len(deltas))
}

func TestImmediateResponseComesBeforeThoughtConsumption(t *testing.T) {
	stream := newChanStream(4)
	stream.send("[bt]ready thought[et]")
	close(stream.parts)

	gen := delivery.NewMockGenerator()
	gen.Respond = func(prompt string) (string, error) {
		if isDialoguePrompt(prompt) {
			return "later", nil
		}
		return "Hi there", nil
	}
	obs := &recordingObserver{}
	c := newTestController(t, gen, &chanSource{stream: stream}, obs, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("hello")})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.ID)

	first, err := turn.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.NewTextDelta("1", "Hi "), first)
	assert.Zero(t, obs.thoughtCount())

	rest, err := collect(t, turn)
	require.ErrorIs(t, err, io.EOF)
	want := []protocol.TextDelta{
		protocol.NewTextDelta("1", "there"),
		protocol.NewTextDelta("1001", " "),
		protocol.NewTextDelta("2", "later"),
		protocol.NewTextDelta("1002", " "),
	}
	assert.Equal(t, want, rest)
	assert.Equal(t, delivery.ImmediatePrompt("hello"), gen.Prompts()[0])
}

func TestAlwaysFailingDeliveryFallsBackAndCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	stream := newChanStream(4)
	stream.send("[bt]one[et]", "[bt]two[et]")
	close(stream.parts)

	obs := &recordingObserver{}
	gen := delivery.NewHTTPGenerator(delivery.HTTPConfig{EndpointURL: srv.URL, Timeout: time.Second})
	c := newTestController(t, gen, &chanSource{stream: stream}, obs, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)

	deltas, err := collect(t, turn)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []protocol.TextDelta{protocol.NewTextDelta("1", FallbackText)}, deltas)

	report := turn.Report()
	assert.True(t, report.ImmediateFallback)
	assert.Zero(t, report.ResponsesGenerated)
	assert.Equal(t, 2, report.ThoughtsExtracted)
	assert.Positive(t, report.ThoughtsProcessed)
	assert.Equal(t, ExitIdleLimit, report.ExitReason)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.reports, 1)
	assert.Equal(t, report.ThoughtsProcessed+1, obs.deliveryErrors)
}

func TestSilenceFallbackEmitsNothing(t *testing.T) {
	stream := newChanStream(1)
	close(stream.parts)

	gen := delivery.NewMockGenerator()
	gen.Respond = func(string) (string, error) { return "", errors.New("down") }
	opts := fastOptions()
	opts.Fallback = FallbackSilence
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, opts)

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	deltas, err := collect(t, turn)
	require.ErrorIs(t, err, io.EOF)
	assert.Empty(t, deltas)
	assert.True(t, turn.Report().ImmediateFallback)
}

func TestBlankImmediateResponseFallsBack(t *testing.T) {
	stream := newChanStream(1)
	close(stream.parts)

	gen := delivery.NewMockGenerator()
	gen.Respond = func(string) (string, error) { return "   ", nil }
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	deltas, err := collect(t, turn)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []protocol.TextDelta{protocol.NewTextDelta("1", FallbackText)}, deltas)
}

func TestMarkerFreeReasoningEndsOnIdleBound(t *testing.T) {
	stream := newChanStream(4)
	stream.send("no markers here, ", "just prose")
	close(stream.parts)

	gen := delivery.NewMockGenerator()
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	deltas, err := collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "Good question. Let me think it through. ", joined(deltas))
	report := turn.Report()
	assert.Zero(t, report.ThoughtsExtracted)
	assert.Zero(t, report.ThoughtsProcessed)
	assert.Equal(t, ExitIdleLimit, report.ExitReason)
	assert.Len(t, gen.Prompts(), 1)
}

// feedOnGenerate releases the next thought each time a dialogue prompt is
// generated, so every thought lands after the previous response.
func feedOnGenerate(stream *chanStream, thoughts []string, reply func(i int) string) func(string) (string, error) {
	var mu sync.Mutex
	next := 1
	calls := 0
	return func(prompt string) (string, error) {
		if !isDialoguePrompt(prompt) {
			return "Sure.", nil
		}
		mu.Lock()
		defer mu.Unlock()
		if next < len(thoughts) {
			stream.send("[bt]" + thoughts[next] + "[et]")
			next++
		}
		calls++
		return reply(calls), nil
	}
}

func TestResponseCap(t *testing.T) {
	thoughts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	stream := newChanStream(len(thoughts))
	stream.send("[bt]" + thoughts[0] + "[et]")

	gen := delivery.NewMockGenerator()
	gen.Respond = feedOnGenerate(stream, thoughts, func(int) string { return "short reply" })
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	_, err = collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	report := turn.Report()
	assert.Equal(t, 5, report.ResponsesGenerated)
	assert.Equal(t, ExitMaxResponses, report.ExitReason)
	assert.LessOrEqual(t, report.ResponsesGenerated, report.ThoughtsExtracted)
}

func TestCharacterBudget(t *testing.T) {
	thoughts := []string{"a", "b", "c", "d"}
	stream := newChanStream(len(thoughts))
	stream.send("[bt]" + thoughts[0] + "[et]")

	long := strings.TrimSpace(strings.Repeat("word ", 60))
	gen := delivery.NewMockGenerator()
	gen.Respond = feedOnGenerate(stream, thoughts, func(int) string { return long })
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	_, err = collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	report := turn.Report()
	assert.Equal(t, 2, report.ResponsesGenerated)
	assert.Equal(t, ExitCharBudget, report.ExitReason)
	assert.Equal(t, long+" "+long, report.FullText)
}

func TestSlidingWindowPromptsAdvance(t *testing.T) {
	thoughts := []string{"t0", "t1", "t2"}
	stream := newChanStream(len(thoughts))
	stream.send("[bt]" + thoughts[0] + "[et]")

	gen := delivery.NewMockGenerator()
	gen.Respond = feedOnGenerate(stream, thoughts, func(i int) string { return "r" + string(rune('0'+i-1)) })
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	_, err = collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	prompts := gen.Prompts()
	require.Len(t, prompts, 4)
	assert.Equal(t, delivery.DialoguePrompt("q", []string{"t0"}, nil), prompts[1])
	assert.Equal(t, delivery.DialoguePrompt("q", []string{"t0", "t1"}, []string{"r0"}), prompts[2])
	assert.Equal(t, delivery.DialoguePrompt("q", thoughts, []string{"r0", "r1"}), prompts[3])
	assert.Equal(t, []string{"r0", "r1", "r2"}, turn.Report().Responses)
}

func TestPanicSurfacesTurnFailure(t *testing.T) {
	stream := newChanStream(2)
	stream.send("[bt]explode[et]")

	gen := delivery.NewMockGenerator()
	gen.Respond = func(prompt string) (string, error) {
		if isDialoguePrompt(prompt) {
			panic("generator exploded")
		}
		return "Fine.", nil
	}
	obs := &recordingObserver{}
	c := newTestController(t, gen, &chanSource{stream: stream}, obs, fastOptions())

	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	deltas, err := collect(t, turn)
	require.ErrorIs(t, err, ErrTurnFailure)
	assert.Equal(t, "Fine. ", joined(deltas))

	report := turn.Report()
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, ExitPanic, report.ExitReason)
	assert.Contains(t, report.Error, "generator exploded")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.reports, 1)
}

func TestReasoningOpenFailureIsTurnFailure(t *testing.T) {
	c := newTestController(t, delivery.NewMockGenerator(), &chanSource{err: errors.New("401")}, nil, fastOptions())
	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	assert.Nil(t, turn)
	assert.ErrorIs(t, err, ErrTurnFailure)
}

func TestEmptyMessagesRejected(t *testing.T) {
	c := newTestController(t, delivery.NewMockGenerator(), &chanSource{stream: newChanStream(0)}, nil, fastOptions())
	_, err := c.Start(context.Background(), StartRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReasoningErrorIsReportedNotFatal(t *testing.T) {
	stream := newChanStream(2)
	stream.send("[bt]only[et]")
	stream.endErr = errors.New("connection reset")
	close(stream.parts)

	obs := &recordingObserver{}
	c := newTestController(t, delivery.NewMockGenerator(), &chanSource{stream: stream}, obs, fastOptions())
	turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)
	_, err = collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	report := turn.Report()
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 1, report.ResponsesGenerated)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.reasoningErrors, 1)
	assert.EqualError(t, obs.reasoningErrors[0], "connection reset")
}

func TestCancellationEndsTurn(t *testing.T) {
	stream := newChanStream(0)
	obs := &recordingObserver{}
	c := newTestController(t, delivery.NewMockGenerator(), &chanSource{stream: stream}, obs, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := c.Start(ctx, StartRequest{Messages: userMessages("q")})
	require.NoError(t, err)

	_, err = turn.Recv(context.Background())
	require.NoError(t, err)
	cancel()

	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after cancellation")
	}
	assert.Equal(t, OutcomeCanceled, turn.Report().Outcome)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.reports, 1)
}

func TestActiveTurnIDCannotBeReused(t *testing.T) {
	stream := newChanStream(0)
	c := newTestController(t, delivery.NewMockGenerator(), &chanSource{stream: stream}, nil, Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := c.Start(ctx, StartRequest{TurnID: "same", Messages: userMessages("q")})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), StartRequest{TurnID: " same ", Messages: userMessages("q")})
	require.ErrorIs(t, err, ErrDuplicateTurn)

	cancel()
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after cancellation")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	again, err := c.Start(ctx2, StartRequest{TurnID: "same", Messages: userMessages("q")})
	require.NoError(t, err, "a finished turn id can be reused")
	cancel2()
	select {
	case <-again.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reused turn did not finish after cancellation")
	}
}

func TestCompletedTurnsAreNotReportedCanceled(t *testing.T) {
	opts := fastOptions()
	opts.IdleLimit = 1
	opts.PollInterval = time.Millisecond

	for i := 0; i < 200; i++ {
		stream := newChanStream(1)
		close(stream.parts)
		c := newTestController(t, delivery.NewMockGenerator(), &chanSource{stream: stream}, nil, opts)

		turn, err := c.Start(context.Background(), StartRequest{Messages: userMessages("q")})
		require.NoError(t, err)
		_, err = collect(t, turn)
		require.ErrorIs(t, err, io.EOF)

		report := turn.Report()
		require.Equal(t, OutcomeCompleted, report.Outcome, "turn %d", i)
		require.Equal(t, ExitIdleLimit, report.ExitReason, "turn %d", i)
	}
}

func TestMissingUserMessageUsesDefaultInput(t *testing.T) {
	stream := newChanStream(1)
	close(stream.parts)

	gen := delivery.NewMockGenerator()
	c := newTestController(t, gen, &chanSource{stream: stream}, nil, fastOptions())
	turn, err := c.Start(context.Background(), StartRequest{Messages: []protocol.ChatMessage{{Role: protocol.RoleSystem, Content: "be nice"}}})
	require.NoError(t, err)
	_, err = collect(t, turn)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, protocol.DefaultUserInput, turn.UserInput)
	assert.Equal(t, delivery.ImmediatePrompt(protocol.DefaultUserInput), gen.Prompts()[0])
}

func TestParseFallbackBehavior(t *testing.T) {
	got, err := ParseFallbackBehavior(" Silence ")
	require.NoError(t, err)
	assert.Equal(t, FallbackSilence, got)

	got, err = ParseFallbackBehavior("")
	require.NoError(t, err)
	assert.Equal(t, FallbackPassthrough, got)

	_, err = ParseFallbackBehavior("shout")
	assert.Error(t, err)
}
