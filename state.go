package streamrpc

import "fmt"

// ConnectionState is the lifecycle state of a Connection. Transitions are
// monotonic: ReadyToConnect → Connecting → Connected → Closing → Closed,
// with a direct Connecting → Closed edge for handshake failure. No state is
// re-entered.
type ConnectionState int32

const (
	StateReadyToConnect ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the state name
func (s ConnectionState) String() string {
	switch s {
	case StateReadyToConnect:
		return "ReadyToConnect"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}
