package eventstream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame builds a wire frame around payload. CRC fields are filled with
// zeros; the decoder skips them.
func frame(payload []byte) []byte {
	total := len(payload) + frameFixed
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], uint32(total))
	binary.BigEndian.PutUint32(buf[4:], 0)
	copy(buf[preludeLen:], payload)
	return buf
}

// frameWithHeaders builds a frame carrying an opaque header block.
func frameWithHeaders(headers, payload []byte) []byte {
	total := len(headers) + len(payload) + frameFixed
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], uint32(total))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(headers)))
	copy(buf[preludeLen:], headers)
	copy(buf[preludeLen+len(headers):], payload)
	return buf
}

func TestDecodeSingleFrame(t *testing.T) {
	payload := []byte(`{"content":"hello"}`)
	payloads := Decode(frame(payload))

	require.Len(t, payloads, 1)
	assert.Equal(t, payload, payloads[0])
}

func TestDecodeMultipleFrames(t *testing.T) {
	data := append(frame([]byte(`{"a":1}`)), frame([]byte(`{"b":2}`))...)
	data = append(data, frame([]byte(`{"c":3}`))...)

	payloads := Decode(data)
	require.Len(t, payloads, 3)
	assert.Equal(t, `{"b":2}`, string(payloads[1]))
}

func TestDecodeSkipsHeaders(t *testing.T) {
	headers := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	payload := []byte(`{"content":"x"}`)

	payloads := Decode(frameWithHeaders(headers, payload))
	require.Len(t, payloads, 1)
	assert.Equal(t, payload, payloads[0])
}

func TestDecodeStripsVentPrefix(t *testing.T) {
	payloads := Decode(frame([]byte(`vent{"content":"x"}`)))

	require.Len(t, payloads, 1)
	assert.Equal(t, `{"content":"x"}`, string(payloads[0]))
}

func TestDecodeTruncatedTail(t *testing.T) {
	complete := frame([]byte(`{"a":1}`))
	truncated := frame([]byte(`{"b":2}`))[:10]

	payloads := Decode(append(complete, truncated...))
	require.Len(t, payloads, 1)
	assert.Equal(t, `{"a":1}`, string(payloads[0]))
}

func TestDecodeNegativePayloadLengthStops(t *testing.T) {
	// header length exceeds total length, payload length goes negative
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(buf[0:], 20)
	binary.BigEndian.PutUint32(buf[4:], 100)

	assert.Empty(t, Decode(buf))
}

func TestDecodeEmptyInput(t *testing.T) {
	assert.Empty(t, Decode(nil))
	assert.Empty(t, Decode([]byte{0x00}))
}

func TestScannerReassemblesSplitFrames(t *testing.T) {
	data := append(frame([]byte(`{"a":1}`)), frame([]byte(`{"b":2}`))...)

	s := NewScanner()
	var got []string
	// Feed one byte at a time to exercise every split point.
	for _, b := range data {
		s.Write([]byte{b})
		for {
			payload, ok := s.Next()
			if !ok {
				break
			}
			got = append(got, string(payload))
		}
	}

	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got)
}

func TestScannerPoisonsOnMalformedLength(t *testing.T) {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(buf[0:], 20)
	binary.BigEndian.PutUint32(buf[4:], 100)

	s := NewScanner()
	s.Write(buf)
	_, ok := s.Next()
	assert.False(t, ok)

	// Once poisoned, later valid frames are ignored.
	s.Write(frame([]byte(`{"a":1}`)))
	_, ok = s.Next()
	assert.False(t, ok)
}

func TestParseEventClassification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    EventType
	}{
		{"initial response", `{"conversationId":"conv-1"}`, EventInitialResponse},
		{"assistant text", `{"content":"hi"}`, EventAssistantResponse},
		{"tool start", `{"toolUseId":"t1","name":"get_weather"}`, EventToolUse},
		{"tool input fragment", `{"input":"{\"city\":"}`, EventToolUse},
		{"tool stop", `{"toolUseId":"t1","name":"get_weather","stop":true}`, EventToolUse},
		{"empty object", `{}`, EventAssistantResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok := ParseEvent([]byte(tt.payload))
			require.True(t, ok)
			assert.Equal(t, tt.want, evt.Type)
		})
	}
}

func TestParseEventRejectsNonJSON(t *testing.T) {
	_, ok := ParseEvent([]byte("not json"))
	assert.False(t, ok)
}

func TestInputFragment(t *testing.T) {
	evt, ok := ParseEvent([]byte(`{"input":"{\"city\":\"SF\"}"}`))
	require.True(t, ok)
	fragment, has := evt.InputFragment()
	require.True(t, has)
	assert.Equal(t, `{"city":"SF"}`, fragment)

	evt, ok = ParseEvent([]byte(`{"input":{"city":"SF"}}`))
	require.True(t, ok)
	fragment, has = evt.InputFragment()
	require.True(t, has)
	assert.JSONEq(t, `{"city":"SF"}`, fragment)

	evt, ok = ParseEvent([]byte(`{"content":"x"}`))
	require.True(t, ok)
	_, has = evt.InputFragment()
	assert.False(t, has)
}
