// ABOUTME: MonitorSink posts activity batches to a Matrix monitoring room
// ABOUTME: One notice per batch keeps the room readable when a turn runs many tools

package matrix

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/activity"
)

// MonitorSink is an activity.Sink writing to one room.
type MonitorSink struct {
	out  sender
	room id.RoomID
}

var _ activity.Sink = (*MonitorSink)(nil)

// NewMonitorSink creates a sink posting through client (a *mautrix.Client).
func NewMonitorSink(client sender, room string) *MonitorSink {
	return &MonitorSink{out: client, room: id.RoomID(room)}
}

// Deliver implements activity.Sink.
func (s *MonitorSink) Deliver(ctx context.Context, events []activity.Event) error {
	if len(events) == 0 {
		return nil
	}
	body := formatActivity(events)
	_, err := s.out.SendMessageEvent(ctx, s.room, event.EventMessage, noticeContent(body))
	if err != nil {
		return fmt.Errorf("posting activity to %s: %w", s.room, err)
	}
	return nil
}

func formatActivity(events []activity.Event) string {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		line := fmt.Sprintf("%s [%s] %s", e.Timestamp.Format("15:04:05"), e.Type, e.SessionName)
		if e.Summary != "" {
			line += ": " + e.Summary
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
