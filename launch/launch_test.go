package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	streamrpc "github.com/machinefabric/streamrpc-go"
)

func TestPluginMissingBinary(t *testing.T) {
	_, err := Plugin(context.Background(), "/nonexistent/plugin-binary", nil, nil)
	assert.Error(t, err)
}

func TestPluginHandshakeFailsWhenProcessExits(t *testing.T) {
	// /bin/false exits immediately: the handshake can never complete and
	// the process must not be left behind.
	_, err := Plugin(context.Background(), "/bin/false", nil, nil,
		streamrpc.WithHandshakeTimeout(500*time.Millisecond))
	assert.ErrorIs(t, err, streamrpc.ErrHandshakeFailed)
}
