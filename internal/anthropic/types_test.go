package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentStringForm(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))

	assert.False(t, msg.Content.IsList())
	assert.Equal(t, "hello", msg.Content.PlainText())
}

func TestMessageContentBlockForm(t *testing.T) {
	raw := `{"role":"user","content":[
		{"type":"text","text":"first"},
		{"type":"text","text":"second"}
	]}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.True(t, msg.Content.IsList())
	assert.Equal(t, "first\nsecond", msg.Content.PlainText())
}

func TestMessageContentToolResult(t *testing.T) {
	raw := `{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"t1","content":"plain result"},
		{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"nested result"}]}
	]}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, "plain result\nnested result", msg.Content.PlainText())
}

func TestMessageContentEmptyPlaceholder(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":""}`), &msg))
	assert.Equal(t, PlaceholderContent, msg.Content.PlainText())

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[]}`), &msg))
	assert.Equal(t, PlaceholderContent, msg.Content.PlainText())
}

func TestMessageContentRejectsOtherShapes(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &msg)
	assert.Error(t, err)
}

func TestSystemPromptForms(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"q"}],"system":"be brief"}`), &req))
	assert.Equal(t, []string{"be brief"}, req.System.Texts())

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"q"}],"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`), &req))
	assert.Equal(t, []string{"a", "b"}, req.System.Texts())
}

func TestRequestValidate(t *testing.T) {
	req := Request{}
	assert.Error(t, req.Validate())

	req.Model = "claude-sonnet-4-20250514"
	assert.Error(t, req.Validate())

	req.Messages = []Message{{Role: "user", Content: NewTextContent("hi")}}
	assert.NoError(t, req.Validate())
}

func TestRequestIgnoresUnsupportedSampling(t *testing.T) {
	raw := `{"model":"m","messages":[{"role":"user","content":"q"}],
		"temperature":0.5,"top_p":0.9,"top_k":40,"max_tokens":100}`
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.5, *req.Temperature, 1e-9)
	assert.Equal(t, 100, req.MaxTokens)
}

func TestFormatSSE(t *testing.T) {
	out := FormatSSE("ping", Ping{Type: "ping"})
	assert.Equal(t, "event: ping\ndata: {\"type\":\"ping\"}\n\n", out)
}

func TestFormatSSEDoesNotEscapeText(t *testing.T) {
	out := FormatSSE("content_block_delta", ContentBlockDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: Delta{Type: "text_delta", Text: "a < b & c 你好"},
	})
	assert.Contains(t, out, "a < b & c 你好")
	assert.NotContains(t, out, `\u003c`)
}

func TestFormatSSEEmpty(t *testing.T) {
	assert.Equal(t, "", FormatSSE("", Ping{Type: "ping"}))
	assert.Equal(t, "", FormatSSE("ping", nil))
}

func TestStartBlockShapes(t *testing.T) {
	text, err := json.Marshal(NewTextStartBlock())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":""}`, string(text))

	thinking, err := json.Marshal(NewThinkingStartBlock())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"thinking","thinking":""}`, string(thinking))

	tool, err := json.Marshal(NewToolUseStartBlock("t1", "get_weather"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"t1","name":"get_weather","input":{}}`, string(tool))
}
