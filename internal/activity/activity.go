// ABOUTME: Activity events describing what happens inside sessions, for monitoring
// ABOUTME: The core emits through Observer; delivery and batching belong to the Dispatcher

package activity

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Type identifies an activity event.
type Type string

const (
	TypeMessage       Type = "message"
	TypeToolUse       Type = "tool_use"
	TypeToolResult    Type = "tool_result"
	TypeError         Type = "error"
	TypeSessionSwitch Type = "session_switch"
)

// SummaryLength is how much of a message goes into a summary.
const SummaryLength = 100

// Event is one monitoring notification.
type Event struct {
	Type        Type
	SessionID   string
	SessionName string
	Summary     string
	Details     map[string]any
	Timestamp   time.Time
}

// Observer receives activity events. OnActivity is called synchronously at the
// point of occurrence and must not block.
type Observer interface {
	OnActivity(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnActivity(e Event) { f(e) }

// Nop discards everything.
type Nop struct{}

func (Nop) OnActivity(Event) {}

// Summarize collapses whitespace and cuts text to at most n runes, adding an ellipsis.
func Summarize(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "…"
}
