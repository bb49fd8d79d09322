package supervisor

import "errors"

// Common errors returned by Supervisor operations.
var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// handle's current state.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrInitTimeout is returned when engine bring-up exceeds the init timeout.
	ErrInitTimeout = errors.New("engine initialization timed out")

	// ErrEngineInit is wrapped by every other initialization failure.
	ErrEngineInit = errors.New("engine initialization failed")

	// ErrDisposed is returned when the handle was disposed while an
	// operation was in flight.
	ErrDisposed = errors.New("runtime disposed")

	// ErrNilHandle is returned when an operation is called with a nil handle.
	ErrNilHandle = errors.New("invalid handle: nil")
)
