// ABOUTME: Encoding and decoding of the engine CLI's stream-json wire format
// ABOUTME: One JSON object per line in each direction, decoded with gjson

package engine

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errInvalidLine = errors.New("invalid stream-json line")

const userTurnTemplate = `{"type":"user","message":{"role":"user"}}`

// encodeUserTurn builds the stdin line for one user message.
func encodeUserTurn(text string) (string, error) {
	return sjson.Set(userTurnTemplate, "message.content", text)
}

// decodeLine turns one stdout line into zero or more events.
// Unknown message types decode to nothing.
func decodeLine(line []byte) ([]Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, errInvalidLine
	}
	root := gjson.ParseBytes(line)

	switch root.Get("type").String() {
	case "system":
		if root.Get("subtype").String() == "init" {
			return []Event{{Type: EventInit, EngineSessionID: root.Get("session_id").String()}}, nil
		}
	case "assistant":
		return decodeAssistant(root.Get("message.content")), nil
	case "user":
		return decodeToolResults(root.Get("message.content")), nil
	case "result":
		return []Event{decodeResult(root)}, nil
	}
	return nil, nil
}

func decodeAssistant(content gjson.Result) []Event {
	var events []Event
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				events = append(events, Event{Type: EventText, Text: text})
			}
		case "tool_use":
			raw := block.Get("input").Raw
			if raw == "" {
				raw = "{}"
			}
			events = append(events, Event{
				Type: EventToolUse,
				Tool: &ToolUse{
					ID:    block.Get("id").String(),
					Name:  block.Get("name").String(),
					Input: json.RawMessage(raw),
				},
			})
		}
		return true
	})
	return events
}

func decodeToolResults(content gjson.Result) []Event {
	if !content.IsArray() {
		return nil
	}
	var events []Event
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_result" {
			return true
		}
		events = append(events, Event{
			Type: EventToolResult,
			ToolResult: &ToolResult{
				ToolUseID: block.Get("tool_use_id").String(),
				Output:    flattenText(block.Get("content")),
				IsError:   block.Get("is_error").Bool(),
			},
		})
		return true
	})
	return events
}

// flattenText accepts either a plain string or an array of text blocks.
func flattenText(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var parts []string
	v.ForEach(func(_, block gjson.Result) bool {
		if text := block.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func decodeResult(root gjson.Result) Event {
	result := &TurnResult{
		Success: root.Get("subtype").String() == "success" && !root.Get("is_error").Bool(),
		Text:    root.Get("result").String(),
	}
	if cost := root.Get("total_cost_usd"); cost.Exists() {
		v := cost.Float()
		result.CostUSD = &v
	}
	if dur := root.Get("duration_ms"); dur.Exists() {
		v := dur.Int()
		result.DurationMS = &v
	}
	return Event{
		Type:            EventResult,
		Result:          result,
		EngineSessionID: root.Get("session_id").String(),
	}
}
