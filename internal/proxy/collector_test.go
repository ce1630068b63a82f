package proxy

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame wraps payload in the upstream wire framing with zeroed CRCs.
func frame(payload string) []byte {
	total := len(payload) + 16
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], uint32(total))
	binary.BigEndian.PutUint32(buf[4:], 0)
	copy(buf[12:], payload)
	return buf
}

func frames(payloads ...string) []byte {
	var body []byte
	for _, p := range payloads {
		body = append(body, frame(p)...)
	}
	return body
}

func TestCollectTextOnly(t *testing.T) {
	body := frames(
		`{"conversationId":"conv-1"}`,
		`{"content":"Hello"}`,
		`{"content":" world"}`,
	)

	resp := Collect(body, "claude-sonnet-4-20250514", 7)

	assert.True(t, strings.HasPrefix(resp.ID, "msg_"))
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "claude-sonnet-4-20250514", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Nil(t, resp.StopSequence)
	assert.Equal(t, 7, resp.Usage.InputTokens)
	assert.Greater(t, resp.Usage.OutputTokens, 0)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Hello world", resp.Content[0].Text)
}

func TestCollectToolUse(t *testing.T) {
	body := frames(
		`{"conversationId":"conv-1"}`,
		`{"content":"Checking."}`,
		`{"toolUseId":"t1","name":"get_weather"}`,
		`{"input":"{\"city\":"}`,
		`{"input":"\"SF\"}"}`,
		`{"toolUseId":"t1","name":"get_weather","stop":true}`,
	)

	resp := Collect(body, "m", 0)

	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Checking.", resp.Content[0].Text)

	tool := resp.Content[1]
	assert.Equal(t, "tool_use", tool.Type)
	assert.Equal(t, "t1", tool.ID)
	assert.Equal(t, "get_weather", tool.Name)
	assert.Equal(t, map[string]any{"city": "SF"}, tool.Input)
}

func TestCollectInvalidToolInputDegradesToEmptyObject(t *testing.T) {
	body := frames(
		`{"toolUseId":"t1","name":"broken"}`,
		`{"input":"{not json"}`,
		`{"toolUseId":"t1","name":"broken","stop":true}`,
	)

	resp := Collect(body, "m", 0)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, map[string]any{}, resp.Content[0].Input)
}

func TestCollectToolWithoutStopKeepsEndTurn(t *testing.T) {
	body := frames(
		`{"toolUseId":"t1","name":"lookup"}`,
		`{"input":"{}"}`,
	)

	resp := Collect(body, "m", 0)
	assert.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "tool_use", resp.Content[0].Type)
}

func TestCollectEmptyBody(t *testing.T) {
	resp := Collect(nil, "m", 3)

	assert.Equal(t, "end_turn", resp.StopReason)
	assert.NotNil(t, resp.Content)
	assert.Empty(t, resp.Content)
	assert.Equal(t, 3, resp.Usage.InputTokens)
	assert.Equal(t, 0, resp.Usage.OutputTokens)
}

func TestCollectStripsVentPrefix(t *testing.T) {
	resp := Collect(frames(`vent{"content":"x"}`), "m", 0)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "x", resp.Content[0].Text)
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	assert.Regexp(t, `^msg_\d{14}$`, id)
}
