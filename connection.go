// Package streamrpc implements a bidirectional peer-to-peer RPC runtime over
// a duplex byte stream, typically the stdin/stdout pair of a spawned plugin
// process. Both endpoints can issue requests, stream progress and partial
// results, cancel in-flight work, and terminate gracefully; many concurrent
// requests in both directions are multiplexed on the single stream pair. A
// mandatory handshake precedes application traffic.
package streamrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/machinefabric/streamrpc-go/wire"
)

// Connection binds a sender, a receiver, the request table and the handler
// registry into one bidirectional RPC channel. It owns the lifecycle state
// machine: ReadyToConnect → Connecting → Connected → Closing → Closed, with
// a direct Connecting → Closed edge when the handshake fails.
type Connection struct {
	framing          wire.Framing
	log              *zap.SugaredLogger
	tracer           Tracer
	faultHandler     func(*Fault)
	handshakeTimeout time.Duration
	sendQueueDepth   int
	rawSchemas       map[string]string

	handlers map[string]Handler
	methods  []string
	schemas  *schemaSet

	sender   *sender
	receiver *receiver
	table    *requestTable

	state atomic.Int32

	// remoteHandshake latches once the peer's handshake request has been
	// serviced by the built-in handler. One-shot.
	remoteHandshake chan struct{}
	remoteOnce      sync.Once

	closedCh  chan struct{}
	closeOnce sync.Once

	// baseCtx parents every inbound handler context; cancelled at close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// inbound tracks the cancellation funcs of requests currently executing
	// locally, so a peer Cancel frame can reach the right handler.
	inboundMu sync.Mutex
	inbound   map[string]context.CancelFunc

	// cancelled remembers RequestIds resolved locally by cancellation or
	// timeout. A late terminal frame for one of these is an expected race
	// and is dropped, not reported as an orphan.
	cancelledMu sync.Mutex
	cancelled   map[string]struct{}
}

// NewConnection creates a connection over the given read and write halves.
// The handler map is fixed for the connection's lifetime; the Handshake
// method is reserved and attempts to register it take the built-in
// implementation. The connection does not touch the streams until Connect.
func NewConnection(r io.Reader, w io.Writer, handlers map[string]Handler, opts ...Option) (*Connection, error) {
	c := &Connection{
		framing:          wire.FramingJSONStream,
		log:              zap.NewNop().Sugar(),
		tracer:           NopTracer(),
		handshakeTimeout: defaultHandshakeTimeout,
		sendQueueDepth:   defaultSendQueueDepth,
		table:            newRequestTable(),
		remoteHandshake:  make(chan struct{}),
		closedCh:         make(chan struct{}),
		inbound:          make(map[string]context.CancelFunc),
		cancelled:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	schemas, err := compileSchemas(c.rawSchemas)
	if err != nil {
		return nil, err
	}
	c.schemas = schemas

	c.handlers = make(map[string]Handler, len(handlers))
	for method, h := range handlers {
		if method == wire.MethodHandshake {
			continue
		}
		c.handlers[method] = h
		c.methods = append(c.methods, method)
	}
	sort.Strings(c.methods)

	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	c.sender = newSender(wire.NewMessageWriter(w, c.framing), c.sendQueueDepth, c.transportFault, c.tracer)
	c.receiver = newReceiver(wire.NewMessageReader(r, c.framing), c.dispatch, c.transportFault, c.peerEOF, c.tracer)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Connect starts the receiver and sender, then performs the mandatory
// handshake: it sends a Handshake request and concurrently waits for the
// peer's Handshake request to be serviced. Both directions must complete
// before Connect returns. On failure the connection transitions directly to
// Closed and Connect reports ErrHandshakeFailed.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateReadyToConnect), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	c.tracer.Event("connection.connecting", "framing", c.framing.String())

	if err := c.receiver.connect(); err != nil {
		return c.failConnect(err)
	}
	if err := c.sender.connect(); err != nil {
		return c.failConnect(err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	payload, err := json.Marshal(&wire.HandshakeRequest{
		ProtocolVersion:    wire.ProtocolVersion,
		MinProtocolVersion: wire.MinProtocolVersion,
		Methods:            c.methods,
	})
	if err != nil {
		return c.failConnect(err)
	}

	outbound := make(chan error, 1)
	go func() {
		_, err := c.roundTrip(hctx, wire.MethodHandshake, payload, requestOptions{})
		outbound <- err
	}()

	select {
	case err := <-outbound:
		if err != nil {
			return c.failConnect(err)
		}
	case <-hctx.Done():
		return c.failConnect(hctx.Err())
	}

	select {
	case <-c.remoteHandshake:
	case <-hctx.Done():
		return c.failConnect(hctx.Err())
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrConnectionClosed)
	}
	c.tracer.Event("connection.connected")
	return nil
}

// failConnect tears the connection down after a handshake failure. The
// state machine takes the direct Connecting → Closed edge.
func (c *Connection) failConnect(cause error) error {
	c.tracer.Event("connection.handshake_failed", "error", cause.Error())
	c.shutdown()
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, cause)
}

// SendRequest sends a request to the peer and blocks until a terminal
// response arrives, the request times out, ctx is cancelled, or the
// connection closes. The returned payload is the raw SuccessResponse body.
func (c *Connection) SendRequest(ctx context.Context, method string, payload json.RawMessage, opts ...RequestOption) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.roundTrip(ctx, method, payload, o)
}

// roundTrip inserts the outbound context into the table, enqueues the
// request frame and waits on the one-shot slot. The insert happens before
// the enqueue so a racing response always finds its entry.
func (c *Connection) roundTrip(ctx context.Context, method string, payload json.RawMessage, o requestOptions) (json.RawMessage, error) {
	p := newPendingRequest(wire.NewRequestID(), method, o)
	c.table.insert(p)

	if err := c.sender.send(wire.NewRequest(p.id, method, payload)); err != nil {
		c.table.remove(p.id)
		return nil, err
	}
	p.startTimer(func() {
		c.abortRequest(p, fmt.Errorf("%w after %s", ErrRequestTimeout, o.timeout))
	})

	select {
	case <-p.done:
	case <-ctx.Done():
		c.abortRequest(p, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err()))
		<-p.done
	}
	return p.payload, p.err
}

// abortRequest resolves a waiter as cancelled and notifies the peer with a
// single Cancel frame. The one-shot slot makes double-cancellation a no-op:
// whichever of caller cancel, timeout, or response wins, the others do
// nothing.
func (c *Connection) abortRequest(p *pendingRequest, cause error) {
	if !p.resolve(nil, cause) {
		return
	}
	c.table.remove(p.id)
	c.markCancelled(p.id)
	c.tracer.Event("request.aborted", "request_id", p.id, "method", p.method, "error", cause.Error())
	if err := c.sender.send(wire.NewCancel(p.id)); err != nil {
		c.log.Debugw("cancel frame not sent", "request_id", p.id, "error", err)
	}
}

func (c *Connection) markCancelled(id string) {
	c.cancelledMu.Lock()
	c.cancelled[id] = struct{}{}
	c.cancelledMu.Unlock()
}

// wasCancelled reports (and consumes, for terminal frames) whether id was
// resolved locally before the peer's frame arrived.
func (c *Connection) wasCancelled(id string, terminal bool) bool {
	c.cancelledMu.Lock()
	defer c.cancelledMu.Unlock()
	_, ok := c.cancelled[id]
	if ok && terminal {
		delete(c.cancelled, id)
	}
	return ok
}

// SendCloseMessage enqueues a single Close directive instructing the peer
// to tear down the connection.
func (c *Connection) SendCloseMessage() error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.sender.send(wire.NewClose())
}

// Close shuts the connection down: the sender drains pending frames, the
// receiver is disposed, and every outstanding outbound request resolves
// cancelled with ErrConnectionClosed. Idempotent; duplicate calls await the
// close already in progress, and Close on a Closed connection returns
// immediately.
func (c *Connection) Close() error {
	for {
		s := c.State()
		if s == StateClosing || s == StateClosed {
			break
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			c.tracer.Event("connection.closing", "from", s.String())
			break
		}
	}
	c.shutdown()
	<-c.closedCh
	return nil
}

// WaitForClose blocks until the connection reaches Closed or ctx is done.
func (c *Connection) WaitForClose(ctx context.Context) error {
	select {
	case <-c.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown performs the close sequence exactly once: cancel inbound
// handlers, drain and close the sender, dispose the receiver, resolve every
// outstanding waiter, then mark the connection Closed.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.baseCancel()
		c.sender.close()
		c.receiver.close()
		for _, p := range c.table.drain() {
			p.resolve(nil, ErrConnectionClosed)
		}
		c.cancelledMu.Lock()
		c.cancelled = make(map[string]struct{})
		c.cancelledMu.Unlock()
		c.state.Store(int32(StateClosed))
		c.tracer.Event("connection.closed")
		close(c.closedCh)
	})
}

// transportFault handles a codec or I/O failure on either half. The fault
// is broadcast and the connection transitions to Closing; the close runs on
// its own goroutine because the reporting goroutine is one of the loops the
// shutdown waits on.
func (c *Connection) transportFault(err error) {
	c.fault(&Fault{Kind: FaultTransport, Err: err})
	go c.Close()
}

// peerEOF handles a clean end-of-stream at a message boundary: the peer is
// gone, close locally.
func (c *Connection) peerEOF() {
	go c.Close()
}

// fault reports a protocol fault through the tracer, the log and the
// registered fault handler.
func (c *Connection) fault(f *Fault) {
	c.tracer.Event("connection.fault",
		"kind", f.Kind.String(),
		"method", f.Method,
		"request_id", f.RequestID,
		"error", f.Error())
	c.log.Warnw("protocol fault", "kind", f.Kind.String(), "error", f.Error())
	if c.faultHandler != nil {
		c.faultHandler(f)
	}
}

// dispatch routes one received message by type. It runs on the reader
// goroutine: everything here is constant-time bookkeeping, handler work is
// offloaded to its own goroutine.
func (c *Connection) dispatch(msg *wire.Message) {
	id := msg.Header.RequestID

	switch msg.Header.MessageType {
	case wire.MessageTypeRequest:
		c.handleRequest(msg)

	case wire.MessageTypeSuccessResponse:
		p := c.table.remove(id)
		if p == nil {
			if c.wasCancelled(id, true) {
				c.log.Debugw("late success response dropped", "request_id", id)
				return
			}
			c.fault(&Fault{Kind: FaultOrphanResponse, Method: msg.Header.Method, RequestID: id})
			return
		}
		p.resolve(msg.Payload, nil)

	case wire.MessageTypeErrorResponse:
		p := c.table.remove(id)
		if p == nil {
			if c.wasCancelled(id, true) {
				c.log.Debugw("late error response dropped", "request_id", id)
				return
			}
			c.fault(&Fault{Kind: FaultOrphanResponse, Method: msg.Header.Method, RequestID: id})
			return
		}
		var ep wire.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			ep.Message = string(msg.Payload)
		}
		p.resolve(nil, &Fault{
			Kind:      FaultRemote,
			Method:    msg.Header.Method,
			RequestID: id,
			Code:      ep.Code,
			Message:   ep.Message,
		})

	case wire.MessageTypeIntermediateResultResponse:
		p := c.table.get(id)
		if p == nil {
			c.log.Debugw("intermediate result for unknown request dropped", "request_id", id)
			return
		}
		p.deliverIntermediate(msg.Payload)

	case wire.MessageTypeProgressResponse:
		p := c.table.get(id)
		if p == nil {
			c.log.Debugw("progress for unknown request dropped", "request_id", id)
			return
		}
		p.deliverProgress(msg.Payload)

	case wire.MessageTypeCancel:
		c.cancelInbound(id)

	case wire.MessageTypeClose:
		c.tracer.Event("connection.close_received")
		go c.Close()

	default:
		// Unreachable with the shipped codecs, which reject out-of-set
		// types at decode.
		c.fault(&Fault{Kind: FaultUnknownType, Message: string(msg.Header.MessageType)})
	}
}

// handleRequest dispatches an inbound request to its handler. The reserved
// Handshake method is serviced inline; everything else runs on a worker
// goroutine so a slow handler cannot stall the reader.
func (c *Connection) handleRequest(msg *wire.Message) {
	method := msg.Header.Method
	id := msg.Header.RequestID

	if method == wire.MethodHandshake {
		c.handleHandshake(msg)
		return
	}

	h, ok := c.handlers[method]
	if !ok {
		c.fault(&Fault{Kind: FaultUnknownMethod, Method: method, RequestID: id})
		c.sendError(id, method, errCodeUnknownMethod, "unknown method: "+method)
		return
	}

	if err := c.schemas.validate(method, msg.Payload); err != nil {
		c.fault(&Fault{Kind: FaultInvalidRequest, Method: method, RequestID: id, Message: err.Error()})
		c.sendError(id, method, errCodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.trackInbound(id, cancel)
	go c.runHandler(ctx, cancel, h, msg)
}

// runHandler executes one inbound request to completion and sends the
// terminal response. Handler errors and panics become ErrorResponse frames;
// they never take down the connection.
func (c *Connection) runHandler(ctx context.Context, cancel context.CancelFunc, h Handler, msg *wire.Message) {
	method := msg.Header.Method
	id := msg.Header.RequestID
	defer func() {
		c.untrackInbound(id)
		cancel()
	}()

	responder := &Responder{requestID: id, method: method, send: c.sender.send}

	result, err := func() (res json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, msg.Payload, responder)
	}()

	if err != nil {
		c.fault(&Fault{Kind: FaultHandler, Method: method, RequestID: id, Err: err})
		c.sendError(id, method, errCodeHandlerFault, err.Error())
		return
	}
	if err := c.sender.send(wire.NewSuccessResponse(id, method, result)); err != nil {
		c.log.Debugw("success response not sent", "request_id", id, "error", err)
	}
}

// handleHandshake services the peer's Handshake request and latches
// remoteHandshake. An incompatible protocol window is rejected with an
// ErrorResponse and the latch stays unset, so the local Connect fails.
func (c *Connection) handleHandshake(msg *wire.Message) {
	id := msg.Header.RequestID

	var req wire.HandshakeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		c.sendError(id, wire.MethodHandshake, errCodeInvalidRequest, "malformed handshake payload: "+err.Error())
		return
	}
	if req.MinProtocolVersion > wire.ProtocolVersion || req.ProtocolVersion < wire.MinProtocolVersion {
		c.tracer.Event("connection.handshake_rejected",
			"peer_version", req.ProtocolVersion,
			"peer_min_version", req.MinProtocolVersion)
		c.sendError(id, wire.MethodHandshake, errCodeInvalidRequest,
			fmt.Sprintf("incompatible protocol version %d (accepted: %d..%d)",
				req.ProtocolVersion, wire.MinProtocolVersion, wire.ProtocolVersion))
		return
	}

	resp, _ := json.Marshal(&wire.HandshakeResponse{ProtocolVersion: wire.ProtocolVersion})
	if err := c.sender.send(wire.NewSuccessResponse(id, wire.MethodHandshake, resp)); err != nil {
		c.log.Debugw("handshake response not sent", "error", err)
		return
	}
	c.tracer.Event("connection.remote_handshake", "peer_methods", len(req.Methods))
	c.remoteOnce.Do(func() {
		close(c.remoteHandshake)
	})
}

func (c *Connection) sendError(id, method, code, message string) {
	err := c.sender.send(wire.NewErrorResponse(id, method, &wire.ErrorPayload{Code: code, Message: message}))
	if err != nil {
		c.log.Debugw("error response not sent", "request_id", id, "error", err)
	}
}

func (c *Connection) trackInbound(id string, cancel context.CancelFunc) {
	c.inboundMu.Lock()
	c.inbound[id] = cancel
	c.inboundMu.Unlock()
}

func (c *Connection) untrackInbound(id string) {
	c.inboundMu.Lock()
	delete(c.inbound, id)
	c.inboundMu.Unlock()
}

// cancelInbound signals the cancellation token of a locally executing
// request. A Cancel for an unknown or already finished request is a no-op;
// two Cancels for the same request are equivalent to one.
func (c *Connection) cancelInbound(id string) {
	c.inboundMu.Lock()
	cancel := c.inbound[id]
	c.inboundMu.Unlock()
	if cancel != nil {
		c.tracer.Event("request.cancel_received", "request_id", id)
		cancel()
	}
}
