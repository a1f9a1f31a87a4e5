// ABOUTME: Scripted in-memory Connection and Factory for tests
// ABOUTME: Lets session tests drive engine output and inject send failures without a subprocess

package engine

import (
	"context"
	"sync"
)

// FakeConnection is a Connection whose output is pushed by the test.
type FakeConnection struct {
	Opts Options

	mu      sync.Mutex
	sent    []string
	sendErr error
	closed  bool
	ended   bool
	events  chan Event
}

var _ Connection = (*FakeConnection)(nil)

// NewFakeConnection creates an open fake.
func NewFakeConnection(opts Options) *FakeConnection {
	return &FakeConnection{
		Opts:   opts,
		events: make(chan Event, 256),
	}
}

// Send records text, or fails with ErrClosed or the injected error.
func (f *FakeConnection) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.ended {
		return ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

// Events returns the scripted stream.
func (f *FakeConnection) Events() <-chan Event {
	return f.events
}

// Close ends the stream without an error.
func (f *FakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if !f.ended {
		f.ended = true
		close(f.events)
	}
	return nil
}

// FailSends makes later Send calls return err.
func (f *FakeConnection) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Emit pushes one event. It reports false once the stream has ended.
func (f *FakeConnection) Emit(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ended {
		return false
	}
	f.events <- ev
	return true
}

// EmitText is shorthand for an assistant text event.
func (f *FakeConnection) EmitText(text string) bool {
	return f.Emit(Event{Type: EventText, Text: text})
}

// End simulates the engine stopping on its own; a non-nil err makes it abnormal.
// Later sends fail with ErrClosed, as with a crashed process.
func (f *FakeConnection) End(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ended {
		return
	}
	f.events <- Event{Type: EventEnded, Err: err}
	f.ended = true
	close(f.events)
}

// Sent returns a copy of every accepted send.
func (f *FakeConnection) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Closed reports whether Close was called.
func (f *FakeConnection) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakeFactory hands out FakeConnections and remembers them in creation order.
type FakeFactory struct {
	mu    sync.Mutex
	conns []*FakeConnection

	// Prepare, when set, configures the n-th connection (0-based) before it is returned.
	Prepare func(n int, c *FakeConnection)
}

// New satisfies Factory.
func (f *FakeFactory) New(opts Options) Connection {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := NewFakeConnection(opts)
	if f.Prepare != nil {
		f.Prepare(len(f.conns), c)
	}
	f.conns = append(f.conns, c)
	return c
}

// Connections returns every connection created so far.
func (f *FakeFactory) Connections() []*FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConnection(nil), f.conns...)
}

// Count returns how many connections were created.
func (f *FakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Last returns the newest connection, or nil.
func (f *FakeFactory) Last() *FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
