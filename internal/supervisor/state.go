package supervisor

import "fmt"

// State is the lifecycle state of a runtime handle.
type State int

const (
	// StateUninitialized is the state of a freshly created handle.
	StateUninitialized State = iota

	// StateInitializing indicates engine bring-up is in progress.
	StateInitializing

	// StateReady indicates the engine is usable.
	StateReady

	// StateDegraded indicates bring-up failed or timed out. The reason is
	// available from Handle.Reason.
	StateDegraded

	// StateDisposed is terminal.
	StateDisposed
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to State) bool {
	if from == StateDisposed {
		return false
	}
	if to == StateDisposed {
		return true
	}
	switch from {
	case StateUninitialized:
		return to == StateInitializing
	case StateInitializing:
		return to == StateReady || to == StateDegraded
	}
	return false
}
