// ABOUTME: Engine connection contract and event types for the external AI engine
// ABOUTME: A Connection is one long-lived streaming conversation; broken ones are replaced, never repaired

package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Send once a connection has been closed or its stream has ended.
var ErrClosed = errors.New("engine connection closed")

// State is the lifecycle position of a Connection.
type State int

const (
	StateUninitialized State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType discriminates engine output events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventInit       EventType = "init"
	EventEnded      EventType = "ended"
)

// ToolUse is a tool invocation requested by the engine.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a tool invocation, as reported back by the engine.
type ToolResult struct {
	ToolUseID string
	Output    string
	IsError   bool
}

// TurnResult closes one turn. Cost and duration are nil when the engine omits them.
type TurnResult struct {
	Success    bool
	Text       string
	CostUSD    *float64
	DurationMS *int64
}

// Event is one item from a connection's output stream.
type Event struct {
	Type       EventType
	Text       string
	Tool       *ToolUse
	ToolResult *ToolResult
	Result     *TurnResult

	// EngineSessionID is set on init and result events.
	EngineSessionID string

	// Err is set on an ended event when the stream stopped abnormally.
	Err error
}

// Connection is one streaming conversation with the engine.
//
// Send may be called while another goroutine drains Events. Events returns the
// same channel on every call; it delivers an EventEnded and then closes when the
// stream stops. Close is idempotent and unblocks a pending Send.
type Connection interface {
	Send(ctx context.Context, text string) error
	Events() <-chan Event
	Close() error
}

// Options describes the conversation a new connection belongs to.
type Options struct {
	SessionName string

	// ResumeID continues an earlier engine conversation when set.
	ResumeID string
}

// Factory creates a fresh, not yet started Connection.
type Factory func(opts Options) Connection
