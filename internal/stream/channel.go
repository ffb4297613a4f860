package stream

import (
	"context"
	"errors"
	"sync"
)

// DefaultBufferSize is the channel capacity used when none is given.
const DefaultBufferSize = 64

var (
	// ErrClosed is returned by Send after Finish or Close.
	ErrClosed = errors.New("stream: channel closed")

	// ErrAbandoned is returned by Send once the reader has gone away.
	ErrAbandoned = errors.New("stream: reader abandoned channel")

	// ErrFinishViaSend rejects finish events passed to Send.
	ErrFinishViaSend = errors.New("stream: finish must be emitted with Finish")
)

// Channel is an ordered event pipe with one writer and one reader.
//
// The writer calls Send for every event and Finish exactly once at the end; the
// terminal finish event is always the last value received before the channel
// closes. Finish and Close are idempotent. The reader must either drain Events
// until it is closed or call Abandon, after which pending and future writes
// return immediately.
type Channel struct {
	events chan Event
	gone   chan struct{}

	mu       sync.Mutex
	closed   bool
	finished bool
	sent     int

	abandonOnce sync.Once
}

// NewChannel creates a channel with the given buffer size.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Channel{
		events: make(chan Event, size),
		gone:   make(chan struct{}),
	}
}

// Events returns the read side of the channel.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Send delivers ev in order. It blocks while the buffer is full until the reader
// catches up, ctx is done, or the reader abandons the channel.
func (c *Channel) Send(ctx context.Context, ev Event) error {
	if ev.Type == EventFinish {
		return ErrFinishViaSend
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case <-c.gone:
		return ErrAbandoned
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case c.events <- ev:
		c.sent++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.gone:
		return ErrAbandoned
	}
}

// Finish emits the terminal finish event and closes the channel. Only the first
// call has an effect; it reports whether this call emitted the event.
func (c *Channel) Finish(info FinishInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	c.finished = true

	select {
	case c.events <- Event{Type: EventFinish, Content: info}:
		c.sent++
	case <-c.gone:
	}
	close(c.events)
	return true
}

// Close closes the channel without a finish event if it is still open.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// Abandon tells the writer that nobody is reading anymore.
func (c *Channel) Abandon() {
	c.abandonOnce.Do(func() { close(c.gone) })
}

// Abandoned reports whether the reader has abandoned the channel.
func (c *Channel) Abandoned() bool {
	select {
	case <-c.gone:
		return true
	default:
		return false
	}
}

// Finished reports whether Finish has been called.
func (c *Channel) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Sent returns the number of events delivered, including finish.
func (c *Channel) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}
