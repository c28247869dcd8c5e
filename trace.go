package streamrpc

import "go.uber.org/zap"

// Tracer is the structured tracing hook of the connection. The runtime
// reports lifecycle transitions, dispatches, and faults as named events with
// key/value attributes; embedders may wire the hook to any backend.
type Tracer interface {
	Event(name string, kv ...any)
}

type nopTracer struct{}

func (nopTracer) Event(string, ...any) {}

// NopTracer returns a Tracer that discards all events.
func NopTracer() Tracer {
	return nopTracer{}
}

type zapTracer struct {
	log *zap.SugaredLogger
}

// NewZapTracer returns a Tracer that logs every event at debug level on l.
func NewZapTracer(l *zap.Logger) Tracer {
	return &zapTracer{log: l.Sugar()}
}

func (t *zapTracer) Event(name string, kv ...any) {
	t.log.Debugw(name, kv...)
}
