package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, framing Framing, msgs []*Message) []*Message {
	t.Helper()

	var buf bytes.Buffer
	w := NewMessageWriter(&buf, framing)
	for _, msg := range msgs {
		require.NoError(t, w.WriteMessage(msg))
	}

	r := NewMessageReader(&buf, framing)
	var out []*Message
	for {
		msg, err := r.ReadMessage()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestRoundTripBothFramings(t *testing.T) {
	msgs := []*Message{
		NewRequest("r1", "Echo", json.RawMessage(`{"Text":"hello"}`)),
		NewSuccessResponse("r1", "Echo", json.RawMessage(`{"Text":"hello"}`)),
		NewErrorResponse("r2", "Foo", &ErrorPayload{Code: "UNKNOWN_METHOD", Message: "unknown method: Foo"}),
		NewIntermediateResultResponse("r3", "Count", json.RawMessage(`{"Value":1}`)),
		NewProgressResponse("r3", "Count", json.RawMessage(`{"Done":1,"Total":3}`)),
		NewCancel("r3"),
		NewClose(),
	}

	for _, framing := range []Framing{FramingJSONStream, FramingLineDelimited} {
		t.Run(framing.String(), func(t *testing.T) {
			out := roundTrip(t, framing, msgs)
			require.Len(t, out, len(msgs))
			for i, msg := range msgs {
				assert.Equal(t, msg.Header.MessageType, out[i].Header.MessageType)
				assert.Equal(t, msg.Header.Method, out[i].Header.Method)
				assert.Equal(t, msg.Header.RequestID, out[i].Header.RequestID)
				if len(msg.Payload) > 0 {
					assert.JSONEq(t, string(msg.Payload), string(out[i].Payload))
				}
			}
		})
	}
}

func TestJSONStreamNilPayloadReadsAsNull(t *testing.T) {
	out := roundTrip(t, FramingJSONStream, []*Message{NewCancel("r9")})
	require.Len(t, out, 1)
	assert.Equal(t, "null", string(out[0].Payload))
}

func TestJSONStreamTruncatedBetweenHeaderAndPayload(t *testing.T) {
	hdr, err := json.Marshal(&Header{MessageType: MessageTypeRequest, Method: "Echo", RequestID: "r1"})
	require.NoError(t, err)

	r := NewMessageReader(bytes.NewReader(hdr), FramingJSONStream)
	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestLineDelimitedTruncatedMidLine(t *testing.T) {
	r := NewMessageReader(strings.NewReader(`{"MessageType":"Request","Method":"Ec`), FramingLineDelimited)
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	for _, tc := range []struct {
		framing Framing
		input   string
	}{
		{FramingJSONStream, `{"MessageType":"Bogus","RequestId":"r1"} {}` + "\n"},
		{FramingLineDelimited, `{"MessageType":"Bogus","RequestId":"r1","Payload":{}}` + "\n"},
	} {
		r := NewMessageReader(strings.NewReader(tc.input), tc.framing)
		_, err := r.ReadMessage()
		assert.ErrorIs(t, err, ErrMalformedHeader, tc.framing.String())
		assert.ErrorIs(t, err, ErrUnknownMessageType, tc.framing.String())
	}
}

func TestMalformedHeaderRejected(t *testing.T) {
	r := NewMessageReader(strings.NewReader(`{not json}`), FramingJSONStream)
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestLineDelimitedSkipsBlankLines(t *testing.T) {
	input := "\n" + `{"MessageType":"Close"}` + "\n\n"
	r := NewMessageReader(strings.NewReader(input), FramingLineDelimited)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeClose, msg.Header.MessageType)

	_, err = r.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestLineDelimitedSetsContentLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewMessageWriter(&buf, FramingLineDelimited)
	payload := json.RawMessage(`{"Text":"hi"}`)
	require.NoError(t, w.WriteMessage(NewRequest("r1", "Echo", payload)))

	var env struct {
		ContentLength int `json:"ContentLength"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	assert.Equal(t, len(payload), env.ContentLength)
}

func TestIgnoresUnknownHeaderFields(t *testing.T) {
	input := `{"MessageType":"Request","Method":"Echo","RequestId":"r1","FutureField":42}` + "\n" + `{}` + "\n"
	r := NewMessageReader(strings.NewReader(input), FramingJSONStream)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Echo", msg.Header.Method)
}

func TestMessageTypeSets(t *testing.T) {
	assert.True(t, MessageTypeSuccessResponse.Terminal())
	assert.True(t, MessageTypeErrorResponse.Terminal())
	assert.False(t, MessageTypeProgressResponse.Terminal())
	assert.False(t, MessageTypeIntermediateResultResponse.Terminal())
	assert.False(t, MessageType("Bogus").Valid())
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
