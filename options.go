package streamrpc

import (
	"time"

	"go.uber.org/zap"

	"github.com/machinefabric/streamrpc-go/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendQueueDepth   = 64
)

// Option configures a Connection at construction.
type Option func(c *Connection)

// WithFraming selects the wire framing variant. The default is
// wire.FramingJSONStream.
func WithFraming(f wire.Framing) Option {
	return func(c *Connection) {
		c.framing = f
	}
}

// WithLogger wires connection logging and tracing to a zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.log = l.Sugar()
		c.tracer = NewZapTracer(l)
	}
}

// WithTracer sets the structured tracing hook.
func WithTracer(t Tracer) Option {
	return func(c *Connection) {
		c.tracer = t
	}
}

// WithHandshakeTimeout bounds how long Connect waits for both handshake
// directions to complete.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.handshakeTimeout = d
	}
}

// WithSendQueueDepth sets the capacity of the outgoing message queue.
func WithSendQueueDepth(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.sendQueueDepth = n
		}
	}
}

// WithFaultHandler registers a callback invoked for every fault event. The
// callback must not block; it runs on the dispatch path.
func WithFaultHandler(fn func(*Fault)) Option {
	return func(c *Connection) {
		c.faultHandler = fn
	}
}

// WithRequestSchema attaches a JSON Schema to a method. Inbound request
// payloads for that method are validated before the handler runs; failures
// are rejected with an ErrorResponse and the handler never sees them.
func WithRequestSchema(method, schemaJSON string) Option {
	return func(c *Connection) {
		if c.rawSchemas == nil {
			c.rawSchemas = make(map[string]string)
		}
		c.rawSchemas[method] = schemaJSON
	}
}
