// ABOUTME: Session lifecycle states and API-facing status values
// ABOUTME: Maps the internal state machine onto disconnected/connecting/connected

package session

// State is a node of the session lifecycle state machine.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateQRPending
	StateAuthenticating
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateQRPending:
		return "QR_PENDING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// API-facing connection status.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
)

// Status is the result of Manager.Status.
type Status struct {
	Status string `json:"status"`
	Number string `json:"number,omitempty"`
}
