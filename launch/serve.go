package launch

import (
	"context"
	"os"

	streamrpc "github.com/machinefabric/streamrpc-go"
)

// Serve is the plugin-side main loop: build a connection over the process's
// standard streams, perform the handshake, then block until the host closes
// the connection or ctx is cancelled. Plugin binaries call this from main.
//
// The plugin must not write anything else to stdout; the stream belongs to
// the connection.
func Serve(ctx context.Context, handlers map[string]streamrpc.Handler, opts ...streamrpc.Option) error {
	conn, err := streamrpc.NewConnection(os.Stdin, os.Stdout, handlers, opts...)
	if err != nil {
		return err
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	if err := conn.WaitForClose(ctx); err != nil {
		conn.Close()
		return err
	}
	return nil
}
