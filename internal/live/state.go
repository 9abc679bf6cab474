package live

// State is the lifecycle state of one live session.
//
//	Idle → Connecting → Open → Closing → Closed
//	          └──────────┴──→ Failed
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Active reports whether a session in this state holds resources and can be
// stopped.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen
}

// MarshalText implements [encoding.TextMarshaler] so states render as names
// in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
