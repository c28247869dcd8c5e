package streamrpc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/machinefabric/streamrpc-go/wire"
)

// receiver owns the read half of the connection. A single reader goroutine
// decodes messages and hands each one to onMessage synchronously; the
// connection must dispatch in constant time and offload handler work so the
// reader returns to the stream promptly.
type receiver struct {
	r         *wire.MessageReader
	onMessage func(*wire.Message)
	onFault   func(error)
	onEOF     func()
	tracer    Tracer

	closing atomic.Bool

	mu      sync.Mutex
	started bool
}

func newReceiver(r *wire.MessageReader, onMessage func(*wire.Message), onFault func(error), onEOF func(), tracer Tracer) *receiver {
	return &receiver{
		r:         r,
		onMessage: onMessage,
		onFault:   onFault,
		onEOF:     onEOF,
		tracer:    tracer,
	}
}

// connect starts the reader goroutine. Calling twice fails.
func (r *receiver) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyConnected
	}
	r.started = true
	go r.readerLoop()
	return nil
}

// close disposes the underlying reader, which unblocks a pending pipe read
// on the platforms Go supports. It does not wait for the reader goroutine;
// the connection observes its exit through state transitions.
func (r *receiver) close() {
	r.closing.Store(true)
	r.r.Close()
}

// readerLoop decodes messages until the stream ends or a decode error fires.
func (r *receiver) readerLoop() {
	for {
		msg, err := r.r.ReadMessage()
		if err != nil {
			if r.closing.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				r.tracer.Event("receiver.eof")
				if r.onEOF != nil {
					r.onEOF()
				}
				return
			}
			r.tracer.Event("receiver.read_error", "error", err.Error())
			if r.onFault != nil {
				r.onFault(err)
			}
			return
		}
		r.tracer.Event("receiver.received",
			"type", string(msg.Header.MessageType),
			"method", msg.Header.Method,
			"request_id", msg.Header.RequestID)
		r.onMessage(msg)
	}
}
