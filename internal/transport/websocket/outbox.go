// Package websocket accepts relay clients over WebSocket and bridges each
// stream to the room relay host.
package websocket

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutboxFull is returned when a connection's outbound buffer has no room.
	ErrOutboxFull = errors.New("outbound buffer full")
	// ErrOutboxClosed is returned when sending to a connection that is shutting down.
	ErrOutboxClosed = errors.New("outbound buffer closed")
)

// Outbox routes outbound frames to a Go channel drained by the connection's
// writer goroutine. Push never blocks.
type Outbox struct {
	id     string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an Outbox with an open frames channel of the given capacity (64 if size <= 0).
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, size),
	}
}

// Push enqueues one frame.
//
// Precondition: data must be a non-nil byte slice.
// Postcondition: data is enqueued, or an error wrapping ErrOutboxClosed or ErrOutboxFull is returned.
func (o *Outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxClosed)
	}
	select {
	case o.frames <- data:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.id, ErrOutboxFull)
	}
}

// Frames returns the read-only frames channel. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close marks the outbox closed and closes the frames channel. Frames already
// queued stay readable.
//
// Postcondition: Further Push calls return ErrOutboxClosed.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	return nil
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.frames)
}
