package reasoning

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

const mockChunkSize = 8

// MockSource replays scripted fragments so the service runs without a model.
// Script overrides the default script; Err, when set, fails Open. The
// default script wraps its thoughts in Markers.
type MockSource struct {
	Script  func(req Request) []string
	Err     error
	Markers Markers

	delay time.Duration
}

func NewMockSource(delay time.Duration) *MockSource {
	return &MockSource{delay: delay}
}

func (s *MockSource) Open(ctx context.Context, req Request) (Stream, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	script := s.Script
	if script == nil {
		script = s.defaultScript
	}
	return &mockStream{
		ctx:       ctx,
		fragments: script(req),
		delay:     s.delay,
		closed:    make(chan struct{}),
	}, nil
}

func (s *MockSource) defaultScript(req Request) []string {
	m := s.Markers.withDefaults()
	input := strings.TrimSpace(protocol.UserInput(req.Messages))
	text := fmt.Sprintf("%[2]sYou are asking about %[1]s%[3]s <|sil|> %[2]sThe short answer depends on what matters most to you about %[1]s%[3]s",
		input, m.Begin, m.End)
	return Chunk(text, mockChunkSize)
}

// Chunk splits text into fragments of at most size bytes.
func Chunk(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	out := make([]string, 0, len(text)/size+1)
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

type mockStream struct {
	ctx       context.Context
	fragments []string
	next      int
	delay     time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *mockStream) Recv() (protocol.StreamPart, error) {
	if s.next >= len(s.fragments) {
		return protocol.StreamPart{}, io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return protocol.StreamPart{}, s.ctx.Err()
		case <-s.closed:
			return protocol.StreamPart{}, io.EOF
		case <-timer.C:
		}
	}
	select {
	case <-s.closed:
		return protocol.StreamPart{}, io.EOF
	default:
	}

	part := protocol.StreamPart{Type: protocol.PartTextDelta, ID: strconv.Itoa(s.next + 1), Delta: s.fragments[s.next]}
	s.next++
	return part, nil
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
