package follow

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateStreaming
	StateResubscribing
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateResubscribing:
		return "RESUBSCRIBING"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
