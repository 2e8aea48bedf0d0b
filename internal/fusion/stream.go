package fusion

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

var errStreamClosed = errors.New("outward stream closed")

// Stream is the pull-based outward fragment stream of one turn. Push blocks
// until Recv takes the fragment, so no fragment is buffered or dropped.
type Stream struct {
	deltas chan protocol.TextDelta
	done   chan struct{}

	closeOnce sync.Once
	err       error
}

func newStream() *Stream {
	return &Stream{
		deltas: make(chan protocol.TextDelta),
		done:   make(chan struct{}),
	}
}

// Push hands one fragment to the consumer.
func (s *Stream) Push(ctx context.Context, delta protocol.TextDelta) error {
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	select {
	case s.deltas <- delta:
		return nil
	case <-s.done:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next fragment, io.EOF after a clean close, or
// ErrTurnFailure after a failed turn.
func (s *Stream) Recv(ctx context.Context) (protocol.TextDelta, error) {
	select {
	case d := <-s.deltas:
		return d, nil
	case <-s.done:
		return protocol.TextDelta{}, s.err
	case <-ctx.Done():
		return protocol.TextDelta{}, ctx.Err()
	}
}

// Done is closed once the stream has been closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Close() { s.CloseWithError(nil) }

// CloseWithError closes the stream once. Later calls are ignored.
func (s *Stream) CloseWithError(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.err = err
		close(s.done)
	})
}
