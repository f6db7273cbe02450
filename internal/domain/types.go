package domain

// SessionState represents the lifecycle state of a PR session
type SessionState string

const (
	StateCreated     SessionState = "created"
	StateCloning     SessionState = "cloning"
	StateCheckedOut  SessionState = "checked_out"
	StateRemoteReady SessionState = "remote_ready"
	StateFetched     SessionState = "fetched"
	StateStarting    SessionState = "starting"
	StateRunning     SessionState = "running"
	StateStopping    SessionState = "stopping"
	StateStopped     SessionState = "stopped"
	StateFailed      SessionState = "failed"
)

// AllStates lists every state in lifecycle order
var AllStates = []SessionState{
	StateCreated,
	StateCloning,
	StateCheckedOut,
	StateRemoteReady,
	StateFetched,
	StateStarting,
	StateRunning,
	StateStopping,
	StateStopped,
	StateFailed,
}

// IsTerminal reports whether no further transitions happen without a new clone
func (s SessionState) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// HasProcess reports whether a session in this state owns a live process ID
func (s SessionState) HasProcess() bool {
	return s == StateRunning || s == StateStopping
}

// Startable reports whether StartApp may be called in this state
func (s SessionState) Startable() bool {
	switch s {
	case StateCheckedOut, StateRemoteReady, StateFetched:
		return true
	}
	return false
}

// Valid reports whether s is a known state
func (s SessionState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a stored string back into a SessionState
func ParseState(s string) (SessionState, error) {
	st := SessionState(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "state", Reason: "unknown state " + s}
	}
	return st, nil
}

// transitions lists the forward edges of the session state machine.
// Every non-terminal state may additionally move to failed.
var transitions = map[SessionState][]SessionState{
	StateCreated:     {StateCloning},
	StateCloning:     {StateCheckedOut},
	StateCheckedOut:  {StateRemoteReady, StateStarting},
	StateRemoteReady: {StateFetched, StateStarting},
	StateFetched:     {StateStarting},
	StateStarting:    {StateRunning},
	StateRunning:     {StateStopping},
	StateStopping:    {StateStopped},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to SessionState) bool {
	if to == StateFailed {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
