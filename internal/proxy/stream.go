package proxy

import (
	"strings"

	"kirogate/internal/anthropic"
	"kirogate/internal/eventstream"
	"kirogate/internal/tokencount"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"
)

// pendingTagSuffix returns the length of the longest proper prefix of tag
// that ends buffer, or 0.
func pendingTagSuffix(buffer, tag string) int {
	if buffer == "" || tag == "" {
		return 0
	}
	maxLen := len(tag) - 1
	if len(buffer) < maxLen {
		maxLen = len(buffer)
	}
	for length := maxLen; length > 0; length-- {
		if buffer[len(buffer)-length:] == tag[:length] {
			return length
		}
	}
	return 0
}

// StreamTranslator converts decoded upstream events into Anthropic SSE
// events. Content blocks open lazily on first delta; <thinking>…</thinking>
// spans in the assistant text are spliced out into dedicated thinking
// blocks, including tags split across event boundaries.
type StreamTranslator struct {
	model       string
	inputTokens int
	messageID   string

	conversationID   string
	messageStartSent bool

	blockIndex int
	started    bool
	startSent  bool
	stopSent   bool

	responseText strings.Builder

	// tool use state
	toolActive    bool
	toolUseID     string
	toolName      string
	toolInput     strings.Builder
	allToolInputs strings.Builder

	// thinking splicer state
	inThink         bool
	thinkBuf        string
	pendingTagChars int
}

// NewStreamTranslator builds a translator for one response stream.
func NewStreamTranslator(model string, inputTokens int) *StreamTranslator {
	return &StreamTranslator{
		model:       model,
		inputTokens: inputTokens,
		messageID:   NewMessageID(),
		blockIndex:  -1,
	}
}

// MessageID returns the generated message ID.
func (t *StreamTranslator) MessageID() string { return t.messageID }

// Feed translates one upstream event into zero or more SSE event strings.
func (t *StreamTranslator) Feed(evt eventstream.Event) []string {
	switch evt.Type {
	case eventstream.EventInitialResponse:
		return t.feedInitial(evt)
	case eventstream.EventAssistantResponse:
		return t.feedAssistant(evt)
	case eventstream.EventToolUse:
		return t.feedToolUse(evt)
	}
	return nil
}

func (t *StreamTranslator) feedInitial(evt eventstream.Event) []string {
	t.conversationID = evt.ConversationID
	if t.conversationID == "" {
		t.conversationID = t.messageID
	}
	if t.messageStartSent {
		return nil
	}
	t.messageStartSent = true
	return []string{t.messageStart(), t.ping()}
}

func (t *StreamTranslator) messageStart() string {
	return anthropic.FormatSSE("message_start", anthropic.MessageStart{
		Type: "message_start",
		Message: anthropic.StartMessage{
			ID:      t.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ResponseBlock{},
			Model:   t.model,
			Usage:   anthropic.Usage{InputTokens: t.inputTokens, OutputTokens: 1},
		},
	})
}

func (t *StreamTranslator) ping() string {
	return anthropic.FormatSSE("ping", anthropic.Ping{Type: "ping"})
}

func (t *StreamTranslator) feedAssistant(evt eventstream.Event) []string {
	var out []string

	// A dangling tool block is closed by the first text that follows it.
	if t.toolActive && !t.stopSent {
		out = append(out, t.blockStop())
		t.stopSent = true
		t.toolActive = false
	}

	if evt.Content == "" {
		return out
	}
	t.thinkBuf += evt.Content

	for t.thinkBuf != "" {
		// Consume tag characters still owed from a speculative commit.
		if t.pendingTagChars > 0 {
			if len(t.thinkBuf) < t.pendingTagChars {
				t.pendingTagChars -= len(t.thinkBuf)
				t.thinkBuf = ""
				break
			}
			t.thinkBuf = t.thinkBuf[t.pendingTagChars:]
			t.pendingTagChars = 0
			continue
		}

		if !t.inThink {
			tagStart := strings.Index(t.thinkBuf, thinkingStartTag)
			if tagStart == -1 {
				pending := pendingTagSuffix(t.thinkBuf, thinkingStartTag)
				if pending > 0 && pending == len(t.thinkBuf) {
					// The whole buffer is a tag prefix: commit to a
					// thinking block now and swallow the rest of the tag
					// as it arrives.
					if t.startSent {
						out = append(out, t.blockStop())
						t.stopSent = true
						t.startSent = false
					}
					t.blockIndex++
					out = append(out, t.blockStart(anthropic.NewThinkingStartBlock()))
					t.startSent = true
					t.started = true
					t.stopSent = false
					t.inThink = true
					t.pendingTagChars = len(thinkingStartTag) - pending
					t.thinkBuf = ""
					break
				}

				emitLen := len(t.thinkBuf) - pending
				if emitLen <= 0 {
					break
				}
				out = append(out, t.emitText(t.thinkBuf[:emitLen])...)
				t.thinkBuf = t.thinkBuf[emitLen:]
			} else {
				if before := t.thinkBuf[:tagStart]; before != "" {
					out = append(out, t.emitText(before)...)
				}
				t.thinkBuf = t.thinkBuf[tagStart+len(thinkingStartTag):]

				if t.startSent {
					out = append(out, t.blockStop())
					t.stopSent = true
					t.startSent = false
				}
				t.blockIndex++
				out = append(out, t.blockStart(anthropic.NewThinkingStartBlock()))
				t.startSent = true
				t.started = true
				t.stopSent = false
				t.inThink = true
				t.pendingTagChars = 0
			}
		} else {
			tagEnd := strings.Index(t.thinkBuf, thinkingEndTag)
			if tagEnd == -1 {
				pending := pendingTagSuffix(t.thinkBuf, thinkingEndTag)
				emitLen := len(t.thinkBuf) - pending
				if emitLen <= 0 {
					break
				}
				if chunk := t.thinkBuf[:emitLen]; chunk != "" {
					out = append(out, t.thinkingDelta(chunk))
				}
				t.thinkBuf = t.thinkBuf[emitLen:]
			} else {
				if chunk := t.thinkBuf[:tagEnd]; chunk != "" {
					out = append(out, t.thinkingDelta(chunk))
				}
				t.thinkBuf = t.thinkBuf[tagEnd+len(thinkingEndTag):]

				out = append(out, t.blockStop())
				t.stopSent = true
				t.startSent = false
				t.inThink = false
			}
		}
	}

	return out
}

// emitText opens a text block if none is open and emits one text delta.
func (t *StreamTranslator) emitText(chunk string) []string {
	var out []string
	if !t.startSent {
		t.blockIndex++
		out = append(out, t.blockStart(anthropic.NewTextStartBlock()))
		t.startSent = true
		t.started = true
		t.stopSent = false
	}
	t.responseText.WriteString(chunk)
	out = append(out, anthropic.FormatSSE("content_block_delta", anthropic.ContentBlockDelta{
		Type:  "content_block_delta",
		Index: t.blockIndex,
		Delta: anthropic.Delta{Type: "text_delta", Text: chunk},
	}))
	return out
}

func (t *StreamTranslator) thinkingDelta(chunk string) string {
	return anthropic.FormatSSE("content_block_delta", anthropic.ContentBlockDelta{
		Type:  "content_block_delta",
		Index: t.blockIndex,
		Delta: anthropic.Delta{Type: "thinking_delta", Thinking: chunk},
	})
}

func (t *StreamTranslator) feedToolUse(evt eventstream.Event) []string {
	var out []string

	if evt.ToolUseID != "" && evt.Name != "" && !t.toolActive {
		// Close an open text or thinking block before the tool block.
		if t.startSent && !t.stopSent {
			out = append(out, t.blockStop())
			t.stopSent = true
		}
		t.blockIndex++
		out = append(out, t.blockStart(anthropic.NewToolUseStartBlock(evt.ToolUseID, evt.Name)))
		t.started = true
		t.toolActive = true
		t.toolUseID = evt.ToolUseID
		t.toolName = evt.Name
		t.toolInput.Reset()
	}

	if t.toolActive {
		if fragment, ok := evt.InputFragment(); ok {
			t.toolInput.WriteString(fragment)
			out = append(out, anthropic.FormatSSE("content_block_delta", anthropic.ContentBlockDelta{
				Type:  "content_block_delta",
				Index: t.blockIndex,
				Delta: anthropic.Delta{Type: "input_json_delta", PartialJSON: fragment},
			}))
		}
		if evt.Stop {
			t.allToolInputs.WriteString(t.toolInput.String())
			out = append(out, t.blockStop())
			t.stopSent = false
			t.started = false
			t.startSent = false
			t.toolActive = false
			t.toolUseID = ""
			t.toolName = ""
			t.toolInput.Reset()
		}
	}

	return out
}

func (t *StreamTranslator) blockStart(block anthropic.StartBlock) string {
	return anthropic.FormatSSE("content_block_start", anthropic.ContentBlockStart{
		Type:         "content_block_start",
		Index:        t.blockIndex,
		ContentBlock: block,
	})
}

func (t *StreamTranslator) blockStop() string {
	return anthropic.FormatSSE("content_block_stop", anthropic.ContentBlockStop{
		Type:  "content_block_stop",
		Index: t.blockIndex,
	})
}

// Abort closes any open content block without the terminal message events,
// used when the upstream stream fails mid-body.
func (t *StreamTranslator) Abort() []string {
	if t.started && !t.stopSent {
		t.stopSent = true
		return []string{t.blockStop()}
	}
	return nil
}

// Finish closes any open block and emits the terminal message_delta and
// message_stop events. Output tokens cover assistant text plus tool input
// fragments; spliced thinking content is not counted.
func (t *StreamTranslator) Finish() []string {
	var out []string

	if !t.messageStartSent {
		// Upstream never produced an initial-response; still emit a valid
		// event sequence.
		t.messageStartSent = true
		out = append(out, t.messageStart(), t.ping())
	}

	if t.started && !t.stopSent {
		out = append(out, t.blockStop())
		t.stopSent = true
	}

	outputTokens := tokencount.Count(t.responseText.String() + t.allToolInputs.String())
	out = append(out,
		anthropic.FormatSSE("message_delta", anthropic.MessageDelta{
			Type:  "message_delta",
			Delta: anthropic.MessageDeltaBody{StopReason: "end_turn"},
			Usage: anthropic.MessageDeltaUsage{OutputTokens: outputTokens},
		}),
		anthropic.FormatSSE("message_stop", anthropic.MessageStop{Type: "message_stop"}),
	)
	return out
}
