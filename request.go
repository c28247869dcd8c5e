package streamrpc

import (
	"encoding/json"
	"sync"
	"time"
)

// requestOptions carries the per-request knobs of SendRequest.
type requestOptions struct {
	timeout        time.Duration
	keepAlive      bool
	onIntermediate func(json.RawMessage)
	onProgress     func(json.RawMessage)
}

// RequestOption configures a single outbound request.
type RequestOption func(*requestOptions)

// WithRequestTimeout bounds how long the waiter stays outstanding. Zero
// means no timeout.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// WithKeepAlive makes every ProgressResponse received for the request reset
// the timeout timer to its original duration.
func WithKeepAlive() RequestOption {
	return func(o *requestOptions) {
		o.keepAlive = true
	}
}

// WithIntermediateResults registers a streaming callback for
// IntermediateResultResponse payloads. The callback runs on the dispatch
// path and must not block.
func WithIntermediateResults(fn func(json.RawMessage)) RequestOption {
	return func(o *requestOptions) {
		o.onIntermediate = fn
	}
}

// WithProgress registers a callback for ProgressResponse payloads.
func WithProgress(fn func(json.RawMessage)) RequestOption {
	return func(o *requestOptions) {
		o.onProgress = fn
	}
}

// pendingRequest is the outbound request context: the one-shot waiter plus
// the timeout timer and keep-alive flag. The completion slot resolves at
// most once; the guard below serializes every trigger (terminal response,
// timeout, caller cancel, connection close).
type pendingRequest struct {
	id     string
	method string
	opts   requestOptions

	done    chan struct{}
	payload json.RawMessage
	err     error

	mu       sync.Mutex
	resolved bool
	timer    *time.Timer
}

func newPendingRequest(id, method string, opts requestOptions) *pendingRequest {
	return &pendingRequest{
		id:     id,
		method: method,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// startTimer arms the timeout timer. No-op when the request has no timeout.
func (p *pendingRequest) startTimer(onTimeout func()) {
	if p.opts.timeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.timer = time.AfterFunc(p.opts.timeout, onTimeout)
}

// extendTimer resets the timer to its original duration. Called for every
// ProgressResponse when the request was sent with keep-alive.
func (p *pendingRequest) extendTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved || !p.opts.keepAlive || p.timer == nil {
		return
	}
	p.timer.Reset(p.opts.timeout)
}

// resolve completes the waiter. The first call wins and returns true; every
// later trigger is a no-op. The timer is disposed under the same guard.
func (p *pendingRequest) resolve(payload json.RawMessage, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.payload = payload
	p.err = err
	close(p.done)
	return true
}

// deliverIntermediate hands a non-terminal partial result to the streaming
// callback, if one is registered. The entry stays alive.
func (p *pendingRequest) deliverIntermediate(payload json.RawMessage) {
	p.mu.Lock()
	fn := p.opts.onIntermediate
	resolved := p.resolved
	p.mu.Unlock()
	if fn != nil && !resolved {
		fn(payload)
	}
}

// deliverProgress hands a progress notification to the callback and extends
// the timer when keep-alive is set.
func (p *pendingRequest) deliverProgress(payload json.RawMessage) {
	p.extendTimer()
	p.mu.Lock()
	fn := p.opts.onProgress
	resolved := p.resolved
	p.mu.Unlock()
	if fn != nil && !resolved {
		fn(payload)
	}
}

// requestTable maps outstanding outgoing RequestIds to their contexts.
// Entries are add-once/remove-once: inserted before the request frame is
// enqueued, removed by the trigger that resolves the waiter.
type requestTable struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[string]*pendingRequest)}
}

// insert registers a context under its RequestId. At most one entry exists
// per id.
func (t *requestTable) insert(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[p.id] = p
}

// get returns the context for id, or nil.
func (t *requestTable) get(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[id]
}

// remove takes the context for id out of the table, returning nil if no
// entry exists.
func (t *requestTable) remove(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending[id]
	delete(t.pending, id)
	return p
}

// drain empties the table and returns every outstanding context. Used at
// connection close to resolve all waiters.
func (t *requestTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, p)
	}
	t.pending = make(map[string]*pendingRequest)
	return out
}

// size returns the number of outstanding entries.
func (t *requestTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
