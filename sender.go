package streamrpc

import (
	"sync"
	"time"

	"github.com/machinefabric/streamrpc-go/wire"
)

// drainTimeout bounds how long close waits for the writer to flush the
// remaining queue. A peer that stopped reading would otherwise block the
// close forever on a full pipe.
const drainTimeout = 2 * time.Second

// sender owns the write half of the connection. All outgoing messages pass
// through its queue; a single writer goroutine drains the queue, serializes
// each message through the codec and flushes, so frames never interleave on
// the wire.
type sender struct {
	w      *wire.MessageWriter
	queue  chan *wire.Message
	done   chan struct{}
	tracer Tracer

	// onFault receives the first write error; the writer keeps draining the
	// queue afterwards so Close never blocks on a dead pipe.
	onFault func(error)

	mu      sync.Mutex
	started bool
	closed  bool
}

func newSender(w *wire.MessageWriter, depth int, onFault func(error), tracer Tracer) *sender {
	return &sender{
		w:       w,
		queue:   make(chan *wire.Message, depth),
		done:    make(chan struct{}),
		onFault: onFault,
		tracer:  tracer,
	}
}

// connect starts the writer goroutine. Calling twice fails.
func (s *sender) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyConnected
	}
	s.started = true
	go s.writerLoop()
	return nil
}

// send enqueues a message. The caller never blocks on I/O; enqueue order is
// emit order. Fails once the queue has been marked complete.
func (s *sender) send(msg *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosedForSend
	}
	s.queue <- msg
	return nil
}

// close marks the queue complete and waits for the writer goroutine to drain
// remaining messages and close the underlying writer. Idempotent.
func (s *sender) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	started := s.started
	s.mu.Unlock()

	if !started {
		// Never connected: nothing drains the queue, close the writer here.
		s.w.Close()
		return
	}

	select {
	case <-s.done:
	case <-time.After(drainTimeout):
		// The peer stopped reading. Abort the write half to unblock the
		// writer goroutine, then wait for it to exit.
		s.tracer.Event("sender.drain_timeout")
		s.w.Abort()
		<-s.done
	}
}

// writerLoop drains the queue until it is closed, then closes the writer.
func (s *sender) writerLoop() {
	defer close(s.done)
	defer s.w.Close()

	var failed bool
	for msg := range s.queue {
		if failed {
			continue
		}
		if err := s.w.WriteMessage(msg); err != nil {
			failed = true
			s.tracer.Event("sender.write_error", "error", err.Error())
			if s.onFault != nil {
				s.onFault(err)
			}
			continue
		}
		s.tracer.Event("sender.sent",
			"type", string(msg.Header.MessageType),
			"method", msg.Header.Method,
			"request_id", msg.Header.RequestID)
	}
}
