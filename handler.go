package streamrpc

import (
	"context"
	"encoding/json"

	"github.com/machinefabric/streamrpc-go/wire"
)

// Handler services an inbound request. It receives the raw JSON payload and
// a responder for emitting intermediate results and progress while the
// request is in flight; the returned payload becomes the SuccessResponse. A
// returned error becomes an ErrorResponse to the peer and never takes down
// the connection.
//
// The context is cancelled when the peer sends a Cancel frame for the
// request or when the connection closes.
type Handler func(ctx context.Context, payload json.RawMessage, r *Responder) (json.RawMessage, error)

// Responder is the capability handed to a handler for its request. It
// exposes only the operations a handler needs; it is not a reference to the
// connection.
type Responder struct {
	requestID string
	method    string
	send      func(*wire.Message) error
}

// SendIntermediateResult emits a non-terminal partial result for the
// request being handled.
func (r *Responder) SendIntermediateResult(payload json.RawMessage) error {
	return r.send(wire.NewIntermediateResultResponse(r.requestID, r.method, payload))
}

// SendProgress emits a progress notification. Peers that sent the request
// with keep-alive reset their timeout on receipt.
func (r *Responder) SendProgress(payload json.RawMessage) error {
	return r.send(wire.NewProgressResponse(r.requestID, r.method, payload))
}

// RequestID returns the id of the request being handled.
func (r *Responder) RequestID() string {
	return r.requestID
}
