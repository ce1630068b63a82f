// Package codewhisperer builds generateAssistantResponse request envelopes
// from inbound Anthropic Messages requests.
package codewhisperer

import (
	"encoding/json"

	"github.com/google/uuid"

	"kirogate/internal/anthropic"
)

// Envelope field constants required by the upstream API.
const (
	chatTriggerManual = "MANUAL"
	originAIEditor    = "AI_EDITOR"

	// assistantAck is the synthetic assistant reply paired with each system
	// prompt segment injected into history.
	assistantAck = "I will follow these instructions"
)

// Request is the generateAssistantResponse envelope.
type Request struct {
	ProfileArn        string            `json:"profileArn"`
	ConversationState ConversationState `json:"conversationState"`
}

// ConversationState carries the current message plus folded history.
type ConversationState struct {
	ChatTriggerType string        `json:"chatTriggerType"`
	ConversationID  string        `json:"conversationId"`
	CurrentMessage  CurrentMsg    `json:"currentMessage"`
	History         []HistoryItem `json:"history"`
}

// CurrentMsg wraps the user input message of the current turn.
type CurrentMsg struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// UserInputMessage is one user turn.
type UserInputMessage struct {
	Content string       `json:"content"`
	ModelID string       `json:"modelId"`
	Origin  string       `json:"origin"`
	Context *UserContext `json:"userInputMessageContext,omitempty"`
}

// UserContext attaches tool specifications to the current message.
type UserContext struct {
	Tools []ToolEntry `json:"tools,omitempty"`
}

// HistoryItem is exactly one of a user or an assistant record. History is a
// strict user-then-assistant alternation.
type HistoryItem struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// AssistantResponseMessage is one assistant turn in history.
type AssistantResponseMessage struct {
	Content  string `json:"content"`
	ToolUses []any  `json:"toolUses"`
}

// ToolEntry wraps one tool specification.
type ToolEntry struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification is the upstream tool schema.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema carries the JSON schema verbatim.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ModelMapper maps inbound model aliases to upstream model IDs. Unknown
// names pass through unchanged; rejection is not this layer's job.
type ModelMapper interface {
	MapModel(model string) string
}

// Convert builds the CodeWhisperer envelope for req. The last message
// becomes the current turn; everything before it folds into history with the
// system prompt (if any) prepended as synthetic user/assistant pairs.
func Convert(req *anthropic.Request, profileArn string, mapper ModelMapper) *Request {
	modelID := req.Model
	if mapper != nil {
		modelID = mapper.MapModel(req.Model)
	}

	last := req.Messages[len(req.Messages)-1]
	current := UserInputMessage{
		Content: last.Content.PlainText(),
		ModelID: modelID,
		Origin:  originAIEditor,
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		current.Context = &UserContext{Tools: tools}
	}

	history := make([]HistoryItem, 0, 2*len(req.Messages))
	for _, sysText := range req.System.Texts() {
		history = append(history,
			HistoryItem{UserInputMessage: &UserInputMessage{
				Content: sysText,
				ModelID: modelID,
				Origin:  originAIEditor,
			}},
			HistoryItem{AssistantResponseMessage: &AssistantResponseMessage{
				Content:  assistantAck,
				ToolUses: []any{},
			}},
		)
	}
	history = append(history, foldHistory(req.Messages, modelID)...)

	return &Request{
		ProfileArn: profileArn,
		ConversationState: ConversationState{
			ChatTriggerType: chatTriggerManual,
			ConversationID:  uuid.NewString(),
			CurrentMessage:  CurrentMsg{UserInputMessage: current},
			History:         history,
		},
	}
}

// foldHistory converts every message except the last into history records.
// A user message followed by an assistant message consumes both in one pass;
// assistant messages without a preceding user entry are skipped.
func foldHistory(messages []anthropic.Message, modelID string) []HistoryItem {
	var history []HistoryItem
	for i := 0; i < len(messages)-1; i++ {
		msg := messages[i]
		if msg.Role != "user" {
			continue
		}
		history = append(history, HistoryItem{UserInputMessage: &UserInputMessage{
			Content: msg.Content.PlainText(),
			ModelID: modelID,
			Origin:  originAIEditor,
		}})

		if i+1 < len(messages)-1 && messages[i+1].Role == "assistant" {
			history = append(history, HistoryItem{AssistantResponseMessage: &AssistantResponseMessage{
				Content:  messages[i+1].Content.PlainText(),
				ToolUses: []any{},
			}})
			i++
		}
	}
	return history
}

func convertTools(tools []anthropic.Tool) []ToolEntry {
	if len(tools) == 0 {
		return nil
	}
	entries := make([]ToolEntry, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		entries = append(entries, ToolEntry{ToolSpecification: ToolSpecification{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return entries
}
