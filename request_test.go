package streamrpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRequestResolvesOnce(t *testing.T) {
	p := newPendingRequest("r1", "Echo", requestOptions{})

	assert.True(t, p.resolve(json.RawMessage(`{"ok":true}`), nil))
	assert.False(t, p.resolve(nil, ErrRequestCancelled))

	<-p.done
	assert.JSONEq(t, `{"ok":true}`, string(p.payload))
	assert.NoError(t, p.err)
}

func TestPendingRequestTimerFires(t *testing.T) {
	p := newPendingRequest("r1", "Echo", requestOptions{timeout: 20 * time.Millisecond})

	fired := make(chan struct{})
	p.startTimer(func() {
		p.resolve(nil, ErrRequestTimeout)
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	assert.ErrorIs(t, p.err, ErrRequestTimeout)
}

func TestPendingRequestKeepAliveExtendsTimer(t *testing.T) {
	p := newPendingRequest("r1", "Slow", requestOptions{timeout: 200 * time.Millisecond, keepAlive: true})

	timedOut := make(chan struct{})
	p.startTimer(func() {
		if p.resolve(nil, ErrRequestTimeout) {
			close(timedOut)
		}
	})

	// Progress every 100ms keeps a 200ms timer alive past its original
	// deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		p.deliverProgress(nil)
	}

	select {
	case <-timedOut:
		t.Fatal("keep-alive request timed out despite progress")
	default:
	}

	require.True(t, p.resolve(json.RawMessage(`{}`), nil))
}

func TestPendingRequestNoKeepAliveIgnoresProgress(t *testing.T) {
	p := newPendingRequest("r1", "Slow", requestOptions{timeout: 60 * time.Millisecond})

	timedOut := make(chan struct{})
	p.startTimer(func() {
		if p.resolve(nil, ErrRequestTimeout) {
			close(timedOut)
		}
	})

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(25 * time.Millisecond)
			p.deliverProgress(nil)
		}
	}()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timer should have fired; progress must not extend it")
	}
}

func TestPendingRequestStartTimerAfterResolveIsNoop(t *testing.T) {
	p := newPendingRequest("r1", "Echo", requestOptions{timeout: 10 * time.Millisecond})
	require.True(t, p.resolve(nil, ErrConnectionClosed))

	p.startTimer(func() {
		t.Error("timer must not arm on a resolved request")
	})
	time.Sleep(30 * time.Millisecond)
}

func TestPendingRequestIntermediateDelivery(t *testing.T) {
	var got []string
	p := newPendingRequest("r1", "Count", requestOptions{
		onIntermediate: func(payload json.RawMessage) {
			got = append(got, string(payload))
		},
	})

	p.deliverIntermediate(json.RawMessage(`{"Value":1}`))
	p.deliverIntermediate(json.RawMessage(`{"Value":2}`))
	require.True(t, p.resolve(nil, nil))
	p.deliverIntermediate(json.RawMessage(`{"Value":3}`))

	assert.Equal(t, []string{`{"Value":1}`, `{"Value":2}`}, got)
}

func TestRequestTableInsertRemove(t *testing.T) {
	table := newRequestTable()
	p := newPendingRequest("r1", "Echo", requestOptions{})

	table.insert(p)
	assert.Equal(t, 1, table.size())
	assert.Same(t, p, table.get("r1"))

	assert.Same(t, p, table.remove("r1"))
	assert.Nil(t, table.remove("r1"))
	assert.Equal(t, 0, table.size())
}

func TestRequestTableDrain(t *testing.T) {
	table := newRequestTable()
	for _, id := range []string{"r1", "r2", "r3"} {
		table.insert(newPendingRequest(id, "Echo", requestOptions{}))
	}

	drained := table.drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, table.size())

	for _, p := range drained {
		require.True(t, p.resolve(nil, ErrConnectionClosed))
	}
}
