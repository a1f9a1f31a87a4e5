// ABOUTME: Tests for stream-json line decoding and user turn encoding
// ABOUTME: Covers each engine message type plus malformed input

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncodeUserTurn(t *testing.T) {
	line, err := encodeUserTurn("say \"hi\"\nplease")
	require.NoError(t, err)

	assert.Equal(t, "user", gjson.Get(line, "type").String())
	assert.Equal(t, "user", gjson.Get(line, "message.role").String())
	assert.Equal(t, "say \"hi\"\nplease", gjson.Get(line, "message.content").String())
	assert.NotContains(t, line, "\n", "one turn must stay on one line")
}

func TestDecodeLine(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		events, err := decodeLine([]byte(`{"type":"system","subtype":"init","session_id":"abc"}`))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, EventInit, events[0].Type)
		assert.Equal(t, "abc", events[0].EngineSessionID)
	})

	t.Run("assistant text and tool use keep order", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[
			{"type":"text","text":"Let me check."},
			{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}},
			{"type":"text","text":""}
		]}}`
		events, err := decodeLine([]byte(line))
		require.NoError(t, err)
		require.Len(t, events, 2)

		assert.Equal(t, EventText, events[0].Type)
		assert.Equal(t, "Let me check.", events[0].Text)

		assert.Equal(t, EventToolUse, events[1].Type)
		require.NotNil(t, events[1].Tool)
		assert.Equal(t, "tu_1", events[1].Tool.ID)
		assert.Equal(t, "Bash", events[1].Tool.Name)
		assert.JSONEq(t, `{"command":"ls"}`, string(events[1].Tool.Input))
	})

	t.Run("tool use without input", func(t *testing.T) {
		events, err := decodeLine([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"x","name":"Noop"}]}}`))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.JSONEq(t, `{}`, string(events[0].Tool.Input))
	})

	t.Run("tool results", func(t *testing.T) {
		line := `{"type":"user","message":{"content":[
			{"type":"tool_result","tool_use_id":"tu_1","content":"file.txt"},
			{"type":"tool_result","tool_use_id":"tu_2","is_error":true,"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}
		]}}`
		events, err := decodeLine([]byte(line))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "tu_1", events[0].ToolResult.ToolUseID)
		assert.Equal(t, "file.txt", events[0].ToolResult.Output)
		assert.False(t, events[0].ToolResult.IsError)
		assert.Equal(t, "a\nb", events[1].ToolResult.Output)
		assert.True(t, events[1].ToolResult.IsError)
	})

	t.Run("user echo with string content is ignored", func(t *testing.T) {
		events, err := decodeLine([]byte(`{"type":"user","message":{"content":"hello"}}`))
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("successful result", func(t *testing.T) {
		line := `{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.0123,"duration_ms":4200,"session_id":"abc"}`
		events, err := decodeLine([]byte(line))
		require.NoError(t, err)
		require.Len(t, events, 1)

		res := events[0].Result
		require.NotNil(t, res)
		assert.True(t, res.Success)
		assert.Equal(t, "done", res.Text)
		require.NotNil(t, res.CostUSD)
		assert.InDelta(t, 0.0123, *res.CostUSD, 1e-9)
		require.NotNil(t, res.DurationMS)
		assert.Equal(t, int64(4200), *res.DurationMS)
		assert.Equal(t, "abc", events[0].EngineSessionID)
	})

	t.Run("failed result without metrics", func(t *testing.T) {
		events, err := decodeLine([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true}`))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Result.Success)
		assert.Nil(t, events[0].Result.CostUSD)
		assert.Nil(t, events[0].Result.DurationMS)
	})

	t.Run("unknown type", func(t *testing.T) {
		events, err := decodeLine([]byte(`{"type":"stream_event"}`))
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := decodeLine([]byte(`{"type":`))
		assert.ErrorIs(t, err, errInvalidLine)
	})
}
