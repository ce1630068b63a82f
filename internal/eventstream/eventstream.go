// Package eventstream decodes the AWS Event-Stream binary framing used by
// CodeWhisperer responses. Frames are split into JSON payloads; headers and
// CRCs are skipped because the gateway only needs the payload objects and
// must tolerate the quirks of the upstream encoder.
package eventstream

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
)

// Frame layout:
//
//	total length (4B) | header length (4B) | prelude CRC (4B) |
//	headers (header length) | payload | message CRC (4B)
//
// All integers big-endian. payload length = total - header length - 16.
const (
	preludeLen  = 12
	trailerLen  = 4
	frameFixed  = preludeLen + trailerLen
	maxFrameLen = 1 << 24 // sanity bound; upstream frames are small
)

// ventPrefix is an artefact of the upstream encoding where the tail of the
// header block overlaps the payload start; it must be stripped before the
// payload parses as JSON.
var ventPrefix = []byte("vent")

// Decode splits data into the payloads of all complete frames. A truncated
// trailing frame ends decoding without error; a frame with a negative
// payload length stops decoding cleanly.
func Decode(data []byte) [][]byte {
	var payloads [][]byte
	offset := 0

	for offset+preludeLen <= len(data) {
		totalLen := int(binary.BigEndian.Uint32(data[offset:]))
		headerLen := int(binary.BigEndian.Uint32(data[offset+4:]))

		if totalLen <= 0 || totalLen > maxFrameLen {
			break
		}
		if offset+totalLen > len(data) {
			// Partial trailing frame: keep what was decoded so far.
			break
		}
		payloadLen := totalLen - headerLen - frameFixed
		if payloadLen < 0 {
			break
		}

		payloadStart := offset + preludeLen + headerLen
		payload := trimPayload(data[payloadStart : payloadStart+payloadLen])
		if payload != nil {
			payloads = append(payloads, payload)
		}
		offset += totalLen
	}

	return payloads
}

// trimPayload strips the "vent" artefact and rejects payloads that cannot be
// a JSON object.
func trimPayload(payload []byte) []byte {
	payload = bytes.TrimPrefix(payload, ventPrefix)
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// Scanner is the incremental decoder used by the streaming path: feed it
// upstream chunks with Write, then drain complete payloads with Next.
type Scanner struct {
	buf    []byte
	broken bool
}

// NewScanner returns an empty incremental decoder.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Write appends an upstream chunk to the internal buffer.
func (s *Scanner) Write(chunk []byte) {
	if s.broken {
		return
	}
	s.buf = append(s.buf, chunk...)
}

// Next returns the payload of the next complete frame, or ok=false when no
// full frame is buffered. Malformed length fields poison the scanner: it
// yields nothing further, matching the bulk decoder's clean stop.
func (s *Scanner) Next() (payload []byte, ok bool) {
	for {
		if s.broken || len(s.buf) < preludeLen {
			return nil, false
		}

		totalLen := int(binary.BigEndian.Uint32(s.buf))
		headerLen := int(binary.BigEndian.Uint32(s.buf[4:]))

		if totalLen <= 0 || totalLen > maxFrameLen || totalLen-headerLen-frameFixed < 0 {
			s.broken = true
			return nil, false
		}
		if len(s.buf) < totalLen {
			return nil, false
		}

		payloadStart := preludeLen + headerLen
		payloadLen := totalLen - headerLen - frameFixed
		raw := make([]byte, payloadLen)
		copy(raw, s.buf[payloadStart:payloadStart+payloadLen])
		s.buf = s.buf[totalLen:]

		if p := trimPayload(raw); p != nil {
			return p, true
		}
		// Empty payload frame: skip and keep scanning.
	}
}

// EventType classifies a decoded payload.
type EventType string

const (
	// EventInitialResponse opens the upstream conversation.
	EventInitialResponse EventType = "initial-response"
	// EventToolUse carries tool invocation start/fragment/stop records.
	EventToolUse EventType = "toolUseEvent"
	// EventAssistantResponse carries assistant text deltas.
	EventAssistantResponse EventType = "assistantResponseEvent"
)

// Event is the decoded view of a frame payload; only the keys the gateway
// reads are modeled.
type Event struct {
	Type EventType

	Content        string
	Input          json.RawMessage
	Name           string
	ToolUseID      string
	Stop           bool
	ConversationID string
}

// InputFragment renders the tool-input field as a JSON fragment string:
// string inputs pass through, object/array inputs are re-serialized.
func (e *Event) InputFragment() (string, bool) {
	if len(e.Input) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Input, &s); err == nil {
		return s, true
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Input); err != nil {
		return string(e.Input), true
	}
	return compact.String(), true
}

type rawEvent struct {
	Content        string          `json:"content"`
	Input          json.RawMessage `json:"input"`
	Name           string          `json:"name"`
	ToolUseID      string          `json:"toolUseId"`
	Stop           bool            `json:"stop"`
	ConversationID string          `json:"conversationId"`
}

// ParseEvent decodes and classifies one frame payload. Non-JSON payloads are
// skipped (ok=false) and decoding continues with the next frame.
func ParseEvent(payload []byte) (Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, false
	}

	evt := Event{
		Content:        raw.Content,
		Input:          raw.Input,
		Name:           raw.Name,
		ToolUseID:      raw.ToolUseID,
		Stop:           raw.Stop,
		ConversationID: raw.ConversationID,
	}

	switch {
	case raw.ConversationID != "" && raw.Content == "" && raw.ToolUseID == "" && len(raw.Input) == 0:
		evt.Type = EventInitialResponse
	case (raw.ToolUseID != "" && raw.Name != "") || len(raw.Input) > 0:
		// Tool start/stop frames carry toolUseId+name; input fragments may
		// carry only the input field.
		evt.Type = EventToolUse
	default:
		evt.Type = EventAssistantResponse
	}
	return evt, true
}
