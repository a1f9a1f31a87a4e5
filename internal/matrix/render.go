// ABOUTME: Turns session events into Matrix message content
// ABOUTME: Assistant markdown is rendered to HTML; everything else becomes a plain notice

package matrix

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/session"
)

// renderEvent maps a session event to a queued write. The bool is false when
// the event produces nothing for the room.
func renderEvent(room id.RoomID, ev session.Event) (outbound, bool) {
	on, off := true, false
	switch ev.Type {
	case session.EventUserMessage:
		// The engine is about to answer.
		o := outbound{room: room, typing: &on}
		if ev.Source != SourceBot {
			o.content = noticeContent(fmt.Sprintf("[%s] %s", ev.Source, ev.Content))
		}
		return o, true
	case session.EventAssistantMessage:
		if ev.Content == "" {
			return outbound{}, false
		}
		return outbound{room: room, content: markdownContent(ev.Content)}, true
	case session.EventToolUse:
		return outbound{room: room, content: noticeContent("Using tool: " + ev.ToolName)}, true
	case session.EventResult:
		o := outbound{room: room, typing: &off}
		if ev.Success != nil && !*ev.Success {
			msg := "The turn did not complete."
			if ev.Error != "" {
				msg += " " + ev.Error
			}
			o.content = noticeContent(msg)
		}
		return o, true
	case session.EventError:
		return outbound{room: room, typing: &off, content: noticeContent("Error: " + ev.Error)}, true
	default:
		return outbound{}, false
	}
}

func noticeContent(text string) *event.MessageEventContent {
	return &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
}

// markdownContent sends md as the plain body with an HTML rendering alongside.
func markdownContent(md string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: md}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = buf.String()
	return content
}
