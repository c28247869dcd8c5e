// Package launch wires the connection to its canonical embedding: a spawned
// child plugin process whose stdout feeds the read half and whose stdin is
// the write half. The host side spawns and handshakes; the plugin side
// serves over its own standard streams.
package launch

import (
	"context"
	"fmt"
	"os/exec"

	streamrpc "github.com/machinefabric/streamrpc-go"
)

// PluginProcess is a running plugin with a connected RPC channel. Closing
// it closes the connection and reaps the process.
type PluginProcess struct {
	cmd  *exec.Cmd
	conn *streamrpc.Connection
}

// Plugin spawns the binary at path, wires its stdio to a new connection and
// performs the handshake. The handler map services requests the plugin
// initiates toward the host. On any failure the process is killed before
// the error is returned.
func Plugin(ctx context.Context, path string, args []string, handlers map[string]streamrpc.Handler, opts ...streamrpc.Option) (*PluginProcess, error) {
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	conn, err := streamrpc.NewConnection(stdout, stdin, handlers, opts...)
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin: %w", err)
	}

	if err := conn.Connect(ctx); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	return &PluginProcess{cmd: cmd, conn: conn}, nil
}

// Conn returns the connection to the plugin.
func (p *PluginProcess) Conn() *streamrpc.Connection {
	return p.conn
}

// Close asks the plugin to shut down, closes the connection and reaps the
// process. The process is killed if it outlives the connection close.
func (p *PluginProcess) Close() error {
	if p.conn.State() == streamrpc.StateConnected {
		p.conn.SendCloseMessage()
	}
	err := p.conn.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.cmd.Wait()
	return err
}
