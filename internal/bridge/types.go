package bridge

import (
	"context"

	"github.com/dreamine/hybridhost/internal/supervisor"
)

// Runtime is the part of the supervisor a bridge drives.
// *supervisor.Supervisor implements it.
type Runtime interface {
	Create(cfg supervisor.HandleConfig) *supervisor.Handle
	Initialize(ctx context.Context, h *supervisor.Handle) (supervisor.Info, error)
	Dispose(h *supervisor.Handle) error
	Navigate(h *supervisor.Handle, target supervisor.Target) error
	PostToGuest(h *supervisor.Handle, frame []byte) error
}

// MountTarget is the UI framework's component host. The bridge is its only
// writer; the service provider and root components are set before the first
// navigation.
type MountTarget interface {
	SetServiceProvider(provider ServiceProvider) error
	SetRootComponents(roots []RootComponent) error
	ClearRootComponents() error
}

// Surface renders the diagnostic document shown when the runtime degrades.
type Surface interface {
	RenderFallback(document string) error
}

// Capabilities are facts about the hosting environment injected at
// construction.
type Capabilities struct {
	// DesignMode is set when the host runs inside a visual designer. The
	// bridge then never starts a runtime or mounts content.
	DesignMode bool
}
