package event

import (
	"context"
	"sync"
)

const defaultBuffer = 64

// Stream is an ordered queue between one producer and one reader.
//
// The producer calls Send for each event and Close after the terminal event.
// The reader drains Events, usually through Pump. When the reader goes away
// it calls Detach, after which every Send returns false without blocking.
type Stream struct {
	ch       chan Payload
	detached chan struct{}

	mu     sync.Mutex
	closed bool

	detachOnce sync.Once
}

// NewStream creates a Stream holding up to buffer undelivered events before
// Send blocks. A non-positive buffer selects a default.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return &Stream{
		ch:       make(chan Payload, buffer),
		detached: make(chan struct{}),
	}
}

// Send queues p for the reader. It returns false when the stream has been
// closed or the reader detached.
func (s *Stream) Send(p Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.isDetached() {
		return false
	}

	select {
	case s.ch <- p:
		return true
	case <-s.detached:
		return false
	}
}

// Close marks the end of the event sequence. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}

// Events returns the channel the reader drains. It is closed by Close.
func (s *Stream) Events() <-chan Payload {
	return s.ch
}

// Detach tells the producer nobody is listening anymore.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// Detached is closed once the reader has gone away.
func (s *Stream) Detached() <-chan struct{} {
	return s.detached
}

func (s *Stream) isDetached() bool {
	select {
	case <-s.detached:
		return true
	default:
		return false
	}
}

// Writer renders events onto a transport.
type Writer interface {
	WriteEvent(p Payload) error
}

// Pump is the dedicated reader of a Stream. It writes every event to w in
// order until the producer closes the stream. If ctx ends first or a write
// fails, the stream is detached so the producer observes the disconnect.
func Pump(ctx context.Context, s *Stream, w Writer) error {
	for {
		select {
		case <-ctx.Done():
			s.Detach()

			return ctx.Err()
		case p, ok := <-s.Events():
			if !ok {
				return nil
			}

			if err := w.WriteEvent(p); err != nil {
				s.Detach()

				return err
			}
		}
	}
}

// WithDisconnect returns a context that is cancelled when the reader of s
// detaches, so producers can abort blocking work on client disconnect.
func WithDisconnect(ctx context.Context, s *Stream) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case <-s.Detached():
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
