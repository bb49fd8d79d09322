package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/cachedir"
	"github.com/dreamine/hybridhost/internal/logging"
)

// Notifier receives the single lifecycle notification of a handle. Calls are
// made on the supervisor's dispatcher.
type Notifier interface {
	OnReady(h *Handle, info Info)
	OnDegraded(h *Handle, reason string)
}

// NotifierFuncs adapts a pair of functions to Notifier. Nil fields are
// ignored.
type NotifierFuncs struct {
	Ready    func(h *Handle, info Info)
	Degraded func(h *Handle, reason string)
}

// OnReady implements Notifier.
func (n NotifierFuncs) OnReady(h *Handle, info Info) {
	if n.Ready != nil {
		n.Ready(h, info)
	}
}

// OnDegraded implements Notifier.
func (n NotifierFuncs) OnDegraded(h *Handle, reason string) {
	if n.Degraded != nil {
		n.Degraded(h, reason)
	}
}

// HandleConfig configures a handle at creation.
type HandleConfig struct {
	// Label is a human-readable name used in logs and the monitor.
	Label string

	// Notifier receives the ready/degraded notification. Optional.
	Notifier Notifier

	// InitTimeout overrides the supervisor's init timeout when positive.
	InitTimeout time.Duration
}

// Handle is one embedded runtime. It is owned by the Supervisor that created
// it; other components keep a non-owning pointer and query it.
type Handle struct {
	id        string
	label     string
	createdAt time.Time
	timeout   time.Duration
	notifier  Notifier
	bus       *bus.Bus
	logger    *logging.Logger

	mu       sync.Mutex
	state    State
	reason   string
	lastErr  error
	info     Info
	engine   Engine
	claim    *cachedir.Claim
	cancel   context.CancelFunc
	initDone chan struct{}
	notified bool
}

// ID returns the unique identifier for this handle.
func (h *Handle) ID() string { return h.id }

// Label returns the label from HandleConfig.
func (h *Handle) Label() string { return h.label }

// CreatedAt returns the creation timestamp.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Bus returns the handle's message bus. It is closed on Dispose.
func (h *Handle) Bus() *bus.Bus { return h.bus }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Reason returns the degradation reason, or "" if the handle never degraded.
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// LastError returns the error that caused degradation, if any.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Info returns the engine info recorded when the handle became ready.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Snapshot is a point-in-time view of a handle.
type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeq   uint64    `json:"last_seq"`
}

// Snapshot returns a consistent copy of the handle's observable fields.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:        h.id,
		Label:     h.label,
		State:     h.state,
		Reason:    h.reason,
		Version:   h.info.Version,
		CreatedAt: h.createdAt,
		LastSeq:   h.bus.LastSeq(),
	}
}

func (h *Handle) readyEngine(op string) (Engine, error) {
	if h == nil {
		return nil, ErrNilHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady || h.engine == nil {
		return nil, fmt.Errorf("%w: %s runtime %s in state %s", ErrInvalidState, op, h.id, h.state)
	}
	return h.engine, nil
}
