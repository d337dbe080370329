// ABOUTME: Event types emitted by backend sessions
// ABOUTME: Lifecycle (challenge, auth, ready, disconnect) plus inbound messages and calls

package backend

// EventType identifies what happened on a backend session.
type EventType int

const (
	EventChallenge EventType = iota
	EventAuthenticated
	EventReady
	EventDisconnected
	EventAuthFailure
	EventStateChange
	EventLoading
	EventMessage
	EventCall
	EventChallengeExpired
)

func (t EventType) String() string {
	switch t {
	case EventChallenge:
		return "challenge"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailure:
		return "auth_failure"
	case EventStateChange:
		return "state_change"
	case EventLoading:
		return "loading"
	case EventMessage:
		return "message"
	case EventCall:
		return "call"
	case EventChallengeExpired:
		return "challenge_expired"
	default:
		return "unknown"
	}
}

// Event is a single notification from a backend session. Only the fields
// relevant to Type are set.
type Event struct {
	Type EventType

	Code    string // EventChallenge: pairing token to render as a QR code
	Reason  string // EventDisconnected, EventAuthFailure, EventChallengeExpired
	State   State  // EventStateChange
	Percent int    // EventLoading
	Text    string // EventLoading: progress description

	Message *InboundMessage // EventMessage
	Call    *InboundCall    // EventCall
}

// InboundMessage is a message received by the paired account.
type InboundMessage struct {
	ID     string
	Chat   string
	From   string
	Text   string
	FromMe bool
	IsChat bool // plain text conversation message
}

// InboundCall is an incoming voice or video call offer.
type InboundCall struct {
	ID    string
	From  string
	Video bool
}
