package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FormatSSE serializes one server-sent event as "event: <name>\ndata:
// <json>\n\n". Non-ASCII text is emitted verbatim, not \u-escaped, to match
// the upstream dialect. An empty event name or nil data yields "".
func FormatSSE(event string, data any) string {
	if event == "" || data == nil {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return ""
	}
	payload := strings.TrimSuffix(buf.String(), "\n")

	var sb strings.Builder
	sb.Grow(len(event) + len(payload) + 16)
	sb.WriteString("event: ")
	sb.WriteString(event)
	sb.WriteString("\ndata: ")
	sb.WriteString(payload)
	sb.WriteString("\n\n")
	return sb.String()
}

// Streaming event payloads. Field order follows the wire examples so the
// serialized records read like Anthropic's own.

// MessageStart is the message_start payload.
type MessageStart struct {
	Type    string       `json:"type"`
	Message StartMessage `json:"message"`
}

// StartMessage is the embedded skeleton message of message_start.
type StartMessage struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []ResponseBlock `json:"content"`
	Model        string          `json:"model"`
	StopReason   *string         `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// Ping is the keepalive payload.
type Ping struct {
	Type string `json:"type"`
}

// ContentBlockStart opens content block Index.
type ContentBlockStart struct {
	Type         string     `json:"type"`
	Index        int        `json:"index"`
	ContentBlock StartBlock `json:"content_block"`
}

// StartBlock is the initial (empty) block of a content_block_start.
type StartBlock struct {
	Type string `json:"type"`

	// text blocks carry an empty text field, thinking blocks an empty
	// thinking field; pointers keep the absent one off the wire.
	Text     *string `json:"text,omitempty"`
	Thinking *string `json:"thinking,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

// NewTextStartBlock returns the empty text start block.
func NewTextStartBlock() StartBlock {
	empty := ""
	return StartBlock{Type: "text", Text: &empty}
}

// NewThinkingStartBlock returns the empty thinking start block.
func NewThinkingStartBlock() StartBlock {
	empty := ""
	return StartBlock{Type: "thinking", Thinking: &empty}
}

// NewToolUseStartBlock returns a tool_use start block with empty input.
func NewToolUseStartBlock(id, name string) StartBlock {
	return StartBlock{Type: "tool_use", ID: id, Name: name, Input: map[string]any{}}
}

// ContentBlockDelta carries an incremental update to an open block.
type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is the union of text_delta, thinking_delta and input_json_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStop closes content block Index.
type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDelta carries the final stop reason and output usage.
type MessageDelta struct {
	Type  string            `json:"type"`
	Delta MessageDeltaBody  `json:"delta"`
	Usage MessageDeltaUsage `json:"usage"`
}

// MessageDeltaBody is the delta object of message_delta.
type MessageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaUsage reports output tokens only.
type MessageDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageStop terminates the stream.
type MessageStop struct {
	Type string `json:"type"`
}

// ErrorEvent is the streaming error record. The streaming path never fails
// after the first byte; it emits one of these instead.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
