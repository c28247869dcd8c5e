package wire

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Protocol version advertised in the handshake. Version 1: bidirectional
// request/response with progress keep-alive and per-request cancellation.
const ProtocolVersion int = 1

// Minimum protocol version this endpoint accepts from a peer.
const MinProtocolVersion int = 1

// MethodHandshake is the reserved method name for the mandatory handshake
// exchange. Handler maps supplied by the embedder cannot override it.
const MethodHandshake = "Handshake"

// MessageType discriminates the frames of the protocol. Rendered as a string
// on the wire.
type MessageType string

const (
	MessageTypeRequest                    MessageType = "Request"
	MessageTypeSuccessResponse            MessageType = "SuccessResponse"
	MessageTypeErrorResponse              MessageType = "ErrorResponse"
	MessageTypeIntermediateResultResponse MessageType = "IntermediateResultResponse"
	MessageTypeProgressResponse           MessageType = "ProgressResponse"
	MessageTypeCancel                     MessageType = "Cancel"
	MessageTypeClose                      MessageType = "Close"
)

// Valid reports whether mt is a member of the closed message-type set.
func (mt MessageType) Valid() bool {
	switch mt {
	case MessageTypeRequest,
		MessageTypeSuccessResponse,
		MessageTypeErrorResponse,
		MessageTypeIntermediateResultResponse,
		MessageTypeProgressResponse,
		MessageTypeCancel,
		MessageTypeClose:
		return true
	default:
		return false
	}
}

// Terminal reports whether mt ends the lifecycle of a request.
// Exactly one terminal response is delivered per RequestId.
func (mt MessageType) Terminal() bool {
	return mt == MessageTypeSuccessResponse || mt == MessageTypeErrorResponse
}

// Header carries the routing fields of a message. Field names are PascalCase
// on the wire; unknown fields are ignored on decode.
type Header struct {
	MessageType   MessageType `json:"MessageType"`
	Method        string      `json:"Method,omitempty"`
	RequestID     string      `json:"RequestId,omitempty"`
	ContentLength int         `json:"ContentLength,omitempty"`
}

// Message is an immutable header/payload pair. The payload is an arbitrary
// JSON value carried opaquely by the codec.
type Message struct {
	Header  Header
	Payload json.RawMessage
}

// NewRequestID generates a fresh 128-bit request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// NewRequest creates a Request message for the given method.
func NewRequest(requestID, method string, payload json.RawMessage) *Message {
	return &Message{
		Header: Header{
			MessageType: MessageTypeRequest,
			Method:      method,
			RequestID:   requestID,
		},
		Payload: payload,
	}
}

// NewSuccessResponse creates the terminal success response for a request.
// The method is echoed from the originating request.
func NewSuccessResponse(requestID, method string, payload json.RawMessage) *Message {
	return &Message{
		Header: Header{
			MessageType: MessageTypeSuccessResponse,
			Method:      method,
			RequestID:   requestID,
		},
		Payload: payload,
	}
}

// NewErrorResponse creates the terminal error response for a request.
func NewErrorResponse(requestID, method string, fault *ErrorPayload) *Message {
	raw, err := json.Marshal(fault)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{
		Header: Header{
			MessageType: MessageTypeErrorResponse,
			Method:      method,
			RequestID:   requestID,
		},
		Payload: raw,
	}
}

// NewIntermediateResultResponse creates a non-terminal partial result for a
// request. The entry for the request stays alive.
func NewIntermediateResultResponse(requestID, method string, payload json.RawMessage) *Message {
	return &Message{
		Header: Header{
			MessageType: MessageTypeIntermediateResultResponse,
			Method:      method,
			RequestID:   requestID,
		},
		Payload: payload,
	}
}

// NewProgressResponse creates a non-terminal progress notification. For
// requests sent with keep-alive, it resets the request timeout.
func NewProgressResponse(requestID, method string, payload json.RawMessage) *Message {
	return &Message{
		Header: Header{
			MessageType: MessageTypeProgressResponse,
			Method:      method,
			RequestID:   requestID,
		},
		Payload: payload,
	}
}

// NewCancel creates a Cancel message for an in-flight request. Travels from
// requester to responder.
func NewCancel(requestID string) *Message {
	return &Message{
		Header: Header{
			MessageType: MessageTypeCancel,
			RequestID:   requestID,
		},
	}
}

// NewClose creates a Close directive instructing the peer to tear down the
// connection.
func NewClose() *Message {
	return &Message{
		Header: Header{MessageType: MessageTypeClose},
	}
}

// HandshakeRequest is the payload of the mandatory handshake request. Each
// endpoint advertises its protocol window and serviceable methods.
type HandshakeRequest struct {
	ProtocolVersion    int      `json:"ProtocolVersion"`
	MinProtocolVersion int      `json:"MinProtocolVersion"`
	Methods            []string `json:"Methods"`
}

// HandshakeResponse is the payload of the handshake success response.
type HandshakeResponse struct {
	ProtocolVersion int `json:"ProtocolVersion,omitempty"`
}

// ErrorPayload is the payload of an ErrorResponse frame. Code is a short
// machine-readable tag; Message is human-readable detail.
type ErrorPayload struct {
	Code    string `json:"Code,omitempty"`
	Message string `json:"Message"`
}
