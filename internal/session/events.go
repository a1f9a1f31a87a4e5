// ABOUTME: Subscriber-facing event shapes and subscription types
// ABOUTME: These five event types are everything a front-end ever receives from a session

package session

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotSubscribed is returned when a client sends without a current session.
	ErrNotSubscribed = errors.New("client not subscribed to a session")

	// ErrSessionClosed is returned by a ManagedSession after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidSubscription is returned for a subscription without client id or callback.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// EventType discriminates subscriber events.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventToolUse          EventType = "tool_use"
	EventResult           EventType = "result"
	EventError            EventType = "error"
)

// SourceAgent tags transcript rows produced by the engine.
const SourceAgent = "agent"

// Event is delivered to every subscriber of a session.
type Event struct {
	Type        EventType       `json:"type"`
	SessionName string          `json:"sessionName"`
	Content     string          `json:"content,omitempty"`
	Source      string          `json:"source,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	ToolID      string          `json:"toolId,omitempty"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
	Duration    *int64          `json:"duration,omitempty"`
	Error       string          `json:"error,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ClientType is the kind of front-end behind a subscription.
type ClientType string

const (
	ClientWeb ClientType = "web"
	ClientBot ClientType = "bot"
)

// DeliverFunc receives session events. It runs on the broadcasting goroutine and
// must return quickly; an error or panic drops the subscription.
type DeliverFunc func(Event) error

// Subscription binds one client to one session.
type Subscription struct {
	ClientID    string
	ClientType  ClientType
	SessionName string
	Deliver     DeliverFunc
}
