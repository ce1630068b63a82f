// Package anthropic models the inbound Anthropic Messages API surface:
// request/response types, the string-or-block-list content union, and the
// SSE event serialization used by the streaming path.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentBlock is one element of a block-list message content. The shape
// varies by Type; only the fields the gateway reads are modeled, everything
// else round-trips through the raw JSON.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`
}

// MessageContent is the Anthropic content union: either a plain string or a
// list of content blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	isList bool
}

// UnmarshalJSON accepts both encodings of the union.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		c.isList = false
		return json.Unmarshal(data, &c.Text)
	}
	if strings.HasPrefix(trimmed, "[") {
		c.isList = true
		return json.Unmarshal(data, &c.Blocks)
	}
	return fmt.Errorf("anthropic: message content must be a string or a block list")
}

// MarshalJSON re-emits the original encoding.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isList {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// IsList reports whether the content was a block list.
func (c MessageContent) IsList() bool { return c.isList }

// NewTextContent wraps a plain string as message content.
func NewTextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// PlainText flattens the content union to text. Block lists concatenate the
// text of all text blocks and the inner text of tool_result blocks with
// newlines. Empty content yields the upstream-required placeholder because
// CodeWhisperer rejects empty user input.
func (c MessageContent) PlainText() string {
	if !c.isList {
		if c.Text == "" {
			return PlaceholderContent
		}
		return c.Text
	}

	var texts []string
	for _, block := range c.Blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_result":
			texts = append(texts, toolResultText(block.Content)...)
		}
	}
	if len(texts) == 0 {
		return PlaceholderContent
	}
	return strings.Join(texts, "\n")
}

// PlaceholderContent substitutes for empty message content.
const PlaceholderContent = "answer for user question"

// toolResultText extracts the textual payload of a tool_result content
// field, which is itself a string-or-block-list union.
func toolResultText(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var texts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	return texts
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SystemPrompt is the system union: a string or a list of text blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	isList bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		s.isList = false
		return json.Unmarshal(data, &s.Text)
	}
	if strings.HasPrefix(trimmed, "[") {
		s.isList = true
		return json.Unmarshal(data, &s.Blocks)
	}
	return fmt.Errorf("anthropic: system must be a string or a block list")
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.isList {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// IsZero reports whether no system prompt was supplied.
func (s SystemPrompt) IsZero() bool {
	return !s.isList && s.Text == "" && len(s.Blocks) == 0
}

// Texts returns one entry per system segment: a single entry for the string
// form, one per block for the list form.
func (s SystemPrompt) Texts() []string {
	if !s.isList {
		if s.Text == "" {
			return nil
		}
		return []string{s.Text}
	}
	texts := make([]string, 0, len(s.Blocks))
	for _, block := range s.Blocks {
		texts = append(texts, block.Text)
	}
	return texts
}

// Request is an Anthropic Messages API request. Sampling parameters that
// CodeWhisperer does not accept are parsed but ignored.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	System        SystemPrompt    `json:"system,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the minimal shape the gateway needs.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("anthropic: model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("anthropic: messages must not be empty")
	}
	return nil
}

// Usage is the Anthropic usage accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResponseBlock is a content block of a complete (non-streaming) response.
type ResponseBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

// Response is a complete Anthropic message response.
type Response struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []ResponseBlock `json:"content"`
	Model        string          `json:"model"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ErrorBody is the JSON error envelope returned on non-streaming failures.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAPIError builds an api_error envelope.
func NewAPIError(message string) ErrorBody {
	return ErrorBody{Type: "error", Error: ErrorDetail{Type: "api_error", Message: message}}
}
