package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/supervisor"
	"github.com/dreamine/hybridhost/internal/watch"
)

// ErrInvalidState is returned for operations on a closed or unstarted
// bridge. It is the supervisor's error so callers can test for either.
var ErrInvalidState = supervisor.ErrInvalidState

// Bridge binds one runtime handle to a mount target and a fallback surface.
// It implements supervisor.Notifier.
type Bridge struct {
	runtime Runtime
	target  MountTarget
	surface Surface
	cfg     *config
	logger  *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mountMu serializes mounts and navigations; mu guards the fields below.
	mountMu sync.Mutex

	mu           sync.Mutex
	handle       *supervisor.Handle
	ready        bool
	pending      MountSpec
	mounted      MountSpec
	mounts       int
	reloadWanted bool
	degraded     string
	subs         []*bus.Subscription
	guest        *GuestChannel
	closed       bool
}

// New creates a Bridge. target and surface are required.
func New(rt Runtime, target MountTarget, surface Surface, opts ...Option) (*Bridge, error) {
	if rt == nil {
		return nil, &ConfigurationError{Field: "runtime"}
	}
	if target == nil {
		return nil, &ConfigurationError{Field: "mount target"}
	}
	if surface == nil {
		return nil, &ConfigurationError{Field: "fallback surface"}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Bridge{
		runtime: rt,
		target:  target,
		surface: surface,
		cfg:     cfg,
		logger:  cfg.logger.WithComponent("bridge"),
	}, nil
}

// Start creates the runtime handle and initializes it in the background.
// In design mode Start does nothing.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.caps.DesignMode {
		b.logger.Info("design mode, runtime not started")
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bridge closed", ErrInvalidState)
	}
	if b.handle != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: bridge already started", ErrInvalidState)
	}
	h := b.runtime.Create(supervisor.HandleConfig{
		Label:       b.cfg.label,
		Notifier:    b,
		InitTimeout: b.cfg.initTimeout,
	})
	b.handle = h
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	if b.cfg.tap != nil {
		sub, err := h.Bus().Subscribe("*", b.cfg.tap)
		if err != nil {
			return fmt.Errorf("subscribe tap: %w", err)
		}
		b.track(sub)
	}
	sub, err := h.Bus().Subscribe(watch.TopicDocumentChanged, b.reload)
	if err != nil {
		return fmt.Errorf("subscribe to document changes: %w", err)
	}
	b.track(sub)

	b.logger.Info("bridge started", "runtime_id", h.ID(), "document", b.cfg.document)

	b.wg.Go(func() {
		_, err := b.runtime.Initialize(ctx, h)
		if err != nil && !errors.Is(err, supervisor.ErrDisposed) {
			b.logger.Warn("runtime initialization failed", "error", err)
		}
	})
	return nil
}

// Attach sets the spec to mount. If the runtime is ready it is mounted
// immediately; otherwise it replaces any pending spec and is mounted when
// the runtime becomes ready.
func (b *Bridge) Attach(spec MountSpec) error {
	if spec.IsZero() {
		return &ConfigurationError{Field: "mount spec"}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bridge closed", ErrInvalidState)
	}
	b.pending = spec
	ready := b.ready
	b.mu.Unlock()

	if !ready {
		b.logger.Debug("mount deferred until ready", "spec", spec.String())
		return nil
	}
	return b.mountPending()
}

// OnReady implements supervisor.Notifier. It wires the bus endpoints and
// mounts the current spec.
func (b *Bridge) OnReady(h *supervisor.Handle, info supervisor.Info) {
	b.mu.Lock()
	if b.closed || h != b.handle {
		b.mu.Unlock()
		return
	}
	b.ready = true
	b.mu.Unlock()

	b.logger.Info("runtime ready", "version", info.Version, "diagnostic", info.Diagnostic)

	if err := b.wire(h); err != nil {
		b.logger.Error("wiring bus endpoints failed", "error", err)
	}
	if err := b.mountPending(); err != nil {
		b.logger.Error("mount failed", "error", err)
	}
}

// OnDegraded implements supervisor.Notifier. It renders the fallback
// document and does not mount.
func (b *Bridge) OnDegraded(h *supervisor.Handle, reason string) {
	b.mu.Lock()
	if b.closed || h != b.handle {
		b.mu.Unlock()
		return
	}
	b.degraded = reason
	b.mu.Unlock()

	doc, err := RenderFallback(FallbackData{
		Endpoint:  b.cfg.endpoint,
		Reason:    reason,
		RuntimeID: h.ID(),
	})
	if err != nil {
		b.logger.Error("render fallback failed", "error", err)
		return
	}
	if err := b.surface.RenderFallback(doc); err != nil {
		b.logger.Error("fallback surface failed", "error", err)
		return
	}
	b.logger.Warn("runtime degraded, fallback shown", "reason", reason, "endpoint", b.cfg.endpoint)
}

// wire registers the host handlers and opens the guest channel.
func (b *Bridge) wire(h *supervisor.Handle) error {
	var errs []error
	for _, hh := range b.cfg.hostHandlers {
		sub, err := h.Bus().Subscribe(hh.topic, hh.handler)
		if err != nil {
			errs = append(errs, fmt.Errorf("host handler %q: %w", hh.topic, err))
			continue
		}
		b.track(sub)
	}

	guest := newGuestChannel(b.runtime, h, b.cfg)
	if err := guest.open(b.cfg.guestTopics); err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		guest.Close()
		return errors.Join(errs...)
	}
	b.guest = guest
	b.mu.Unlock()
	return errors.Join(errs...)
}

// track records a subscription to end on Close.
func (b *Bridge) track(sub *bus.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Unsubscribe()
		return
	}
	b.subs = append(b.subs, sub)
}

// mountPending mounts the pending spec if the runtime is ready. A different
// spec already mounted is unmounted first; the identical spec is a no-op.
func (b *Bridge) mountPending() error {
	b.mountMu.Lock()
	err := b.mountPendingLocked()
	b.mountMu.Unlock()

	// A reload requested while the mount held mountMu is run now.
	return errors.Join(err, b.flushReload())
}

func (b *Bridge) mountPendingLocked() error {
	b.mu.Lock()
	if b.closed || !b.ready || b.pending.IsZero() {
		b.mu.Unlock()
		return nil
	}
	spec, prev, h := b.pending, b.mounted, b.handle
	b.pending = MountSpec{}
	b.mu.Unlock()

	if !prev.IsZero() && prev.Equal(spec) {
		return nil
	}

	if !prev.IsZero() {
		if err := b.target.ClearRootComponents(); err != nil {
			return fmt.Errorf("unmount %s: %w", prev, err)
		}
		b.setMounted(MountSpec{})
	}
	if err := b.target.SetServiceProvider(spec.Services()); err != nil {
		return fmt.Errorf("mount %s: set service provider: %w", spec, err)
	}
	if err := b.target.SetRootComponents([]RootComponent{spec.Root()}); err != nil {
		return fmt.Errorf("mount %s: set root components: %w", spec, err)
	}
	b.setMounted(spec)

	b.logger.Info("mounted", "spec", spec.String(), "hot_swap", !prev.IsZero())

	// This navigation loads the current document, which satisfies any
	// reload requested so far.
	b.mu.Lock()
	b.reloadWanted = false
	b.mu.Unlock()
	if err := b.runtime.Navigate(h, supervisor.URI(b.cfg.document)); err != nil {
		return fmt.Errorf("navigate to %s: %w", b.cfg.document, err)
	}
	return nil
}

func (b *Bridge) setMounted(spec MountSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mounted = spec
	if !spec.IsZero() {
		b.mounts++
	}
}

// reload re-navigates to the host document after it changed on disk.
func (b *Bridge) reload(bus.Message) error {
	b.mu.Lock()
	b.reloadWanted = true
	b.mu.Unlock()
	return b.flushReload()
}

// flushReload runs a requested reload unless a mount or another reload holds
// mountMu. The holder calls flushReload after releasing it, so a request is
// never lost. TryLock keeps a reload delivered re-entrantly during a mount's
// navigation from deadlocking on it.
func (b *Bridge) flushReload() error {
	for {
		if !b.mountMu.TryLock() {
			return nil
		}
		b.mu.Lock()
		want := b.reloadWanted && !b.closed && !b.mounted.IsZero()
		b.reloadWanted = false
		h := b.handle
		b.mu.Unlock()

		var err error
		if want {
			b.logger.Info("host document changed, reloading")
			err = b.runtime.Navigate(h, supervisor.URI(b.cfg.document))
		}
		b.mountMu.Unlock()
		if err != nil {
			return err
		}

		b.mu.Lock()
		again := b.reloadWanted
		b.mu.Unlock()
		if !again {
			return nil
		}
	}
}

// ReceiveFromGuest is the entry point hosted content uses to send a frame
// to the host. It fails with ErrInvalidState before the runtime is ready.
func (b *Bridge) ReceiveFromGuest(frame []byte) error {
	b.mu.Lock()
	guest := b.guest
	b.mu.Unlock()
	if guest == nil {
		return fmt.Errorf("%w: guest channel not open", ErrInvalidState)
	}
	return guest.Receive(frame)
}

// Publish publishes a host message on the runtime's bus from the calling
// goroutine and returns its sequence number. Call it on the UI thread;
// other goroutines use Post.
func (b *Bridge) Publish(topic string, payload any) (uint64, error) {
	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()
	if h == nil {
		return 0, fmt.Errorf("%w: bridge not started", ErrInvalidState)
	}
	return h.Bus().Publish(topic, payload, bus.OriginHost)
}

// Post publishes a host message from the dispatcher. It is safe to call from
// any goroutine. The topic is checked immediately; a failure to publish once
// the dispatcher runs is logged.
func (b *Bridge) Post(topic string, payload any) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", bus.ErrInvalidTopic)
	}
	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()
	if h == nil {
		return fmt.Errorf("%w: bridge not started", ErrInvalidState)
	}
	if h.Bus().Closed() {
		return bus.ErrClosed
	}
	posted := b.cfg.dispatcher.Post(func() {
		if _, err := h.Bus().Publish(topic, payload, bus.OriginHost); err != nil && !errors.Is(err, bus.ErrClosed) {
			b.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	})
	if !posted {
		return fmt.Errorf("%w: dispatcher stopped", bus.ErrClosed)
	}
	return nil
}

// Handle returns the runtime handle, or nil before Start.
func (b *Bridge) Handle() *supervisor.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// Mounted returns the mounted spec.
func (b *Bridge) Mounted() (MountSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mounted, !b.mounted.IsZero()
}

// MountCount returns how many mounts have been performed.
func (b *Bridge) MountCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mounts
}

// Degraded returns the degradation reason if the fallback was shown.
func (b *Bridge) Degraded() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded, b.degraded != ""
}

// Close ends every subscription the bridge made, disposes the runtime and
// waits for background initialization to return. It is idempotent.
//
// Dispose runs before the start context is cancelled. Dispose cancels an
// in-flight initialization itself after marking the handle disposed, so the
// cancellation is not reported as a degradation.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs, guest, h, cancel := b.subs, b.guest, b.handle, b.cancel
	b.subs, b.guest = nil, nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if guest != nil {
		guest.Close()
	}
	var err error
	if h != nil {
		err = b.runtime.Dispose(h)
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.logger.Info("bridge closed")
	return err
}
