package call

// Local state of the call as seen by one participant.
type State string

const (
	StateIdle      State = "idle"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateDeclined  State = "declined"
)

// Whether a call attempt is in progress, i.e. the state is not idle or terminal.
func (s State) Active() bool {
	switch s {
	case StateOutgoing, StateIncoming, StateConnected:
		return true
	default:
		return false
	}
}

// Role of the local participant in a call attempt.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)
