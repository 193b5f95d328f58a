package client

import "github.com/a-essam23/studyhub/pkg/apperror"

// ConnectionState represents where the client is in its connection lifecycle.
type ConnectionState int

const (
	// StateDisconnected means the client is idle: no identity, or the caller
	// disconnected on purpose.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the first attempt of a session is in progress.
	StateConnecting

	// StateConnected means the hub accepted the connection.
	StateConnected

	// StateReconnecting means the client is retrying after a failure or drop.
	StateReconnecting

	// StateFailed means automatic retries stopped; Reconnect starts over.
	StateFailed

	// StateOffline means the network is down; restoring it resumes.
	StateOffline
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	// Attempt is the reconnect attempt number, zero outside RECONNECTING.
	Attempt int
	// Error is set when a failure caused the change.
	Error *apperror.Descriptor
}
