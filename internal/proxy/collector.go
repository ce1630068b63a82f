package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"kirogate/internal/anthropic"
	"kirogate/internal/eventstream"
	"kirogate/internal/tokencount"
)

// NewMessageID returns a message ID derived from the current local time.
func NewMessageID() string {
	return "msg_" + time.Now().Format("20060102150405")
}

// toolCollector accumulates one tool invocation's input fragments.
type toolCollector struct {
	id    string
	name  string
	input strings.Builder
}

// Collect assembles the non-streaming Anthropic response from a complete
// upstream body. Text deltas concatenate into a single text block; each tool
// use becomes a tool_use block with its input fragments joined and parsed
// (unparseable input degrades to an empty object). A terminated tool use
// upgrades the stop reason to tool_use.
func Collect(body []byte, model string, inputTokens int) *anthropic.Response {
	var (
		text       strings.Builder
		tools      []*toolCollector
		toolsByID  = map[string]*toolCollector{}
		current    *toolCollector
		stopReason = "end_turn"
	)

	for _, payload := range eventstream.Decode(body) {
		evt, ok := eventstream.ParseEvent(payload)
		if !ok {
			continue
		}
		switch evt.Type {
		case eventstream.EventAssistantResponse:
			text.WriteString(evt.Content)
		case eventstream.EventToolUse:
			if evt.ToolUseID != "" && evt.Name != "" {
				tool, seen := toolsByID[evt.ToolUseID]
				if !seen {
					tool = &toolCollector{id: evt.ToolUseID, name: evt.Name}
					toolsByID[evt.ToolUseID] = tool
					tools = append(tools, tool)
				}
				current = tool
			}
			if current != nil {
				if fragment, ok := evt.InputFragment(); ok {
					current.input.WriteString(fragment)
				}
				if evt.Stop {
					stopReason = "tool_use"
					current = nil
				}
			}
		}
	}

	var blocks []anthropic.ResponseBlock
	outputText := text.String()
	if outputText != "" {
		blocks = append(blocks, anthropic.ResponseBlock{Type: "text", Text: outputText})
	}

	var toolInputText strings.Builder
	for _, tool := range tools {
		raw := tool.input.String()
		toolInputText.WriteString(raw)
		var input any = map[string]any{}
		if raw != "" {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				input = parsed
			}
		}
		blocks = append(blocks, anthropic.ResponseBlock{
			Type:  "tool_use",
			ID:    tool.id,
			Name:  tool.name,
			Input: input,
		})
	}
	if blocks == nil {
		blocks = []anthropic.ResponseBlock{}
	}

	return &anthropic.Response{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      model,
		StopReason: stopReason,
		Usage: anthropic.Usage{
			InputTokens:  inputTokens,
			OutputTokens: tokencount.Count(outputText + toolInputText.String()),
		},
	}
}
