package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/cachedir"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/metrics"
	"github.com/dreamine/hybridhost/internal/uithread"
)

// ReasonTimeout is the degradation reason recorded when bring-up exceeds the
// init timeout.
const ReasonTimeout = "timeout"

// Supervisor creates runtime handles and drives them through their
// lifecycle. It is safe for concurrent use.
type Supervisor struct {
	factory     EngineFactory
	logger      *logging.Logger
	dispatcher  uithread.Dispatcher
	metrics     *metrics.Recorder
	registry    *cachedir.Registry
	initTimeout time.Duration
	cacheDir    string
	productID   string

	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates a Supervisor that builds engines with factory.
//
// A nil factory panics early to surface wiring bugs immediately.
func New(factory EngineFactory, opts ...Option) *Supervisor {
	if factory == nil {
		panic("supervisor: EngineFactory must not be nil")
	}

	s := &Supervisor{
		factory:     factory,
		logger:      logging.NopLogger(),
		dispatcher:  uithread.Inline{},
		registry:    sharedRegistry,
		initTimeout: DefaultInitTimeout,
		productID:   DefaultProductID,
		handles:     make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("supervisor")
	return s
}

// Create allocates a handle in StateUninitialized. It never blocks.
func (s *Supervisor) Create(cfg HandleConfig) *Handle {
	id := uuid.NewString()
	logger := s.logger.WithRuntime(id)

	h := &Handle{
		id:        id,
		label:     cfg.Label,
		createdAt: time.Now(),
		timeout:   cfg.InitTimeout,
		notifier:  cfg.Notifier,
		logger:    logger,
		bus: bus.New(
			bus.WithLogger(logger.WithComponent("bus")),
			bus.WithMetrics(s.metrics),
		),
	}

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	logger.Info("runtime created", "label", cfg.Label)
	return h
}

// Get returns the live handle with the given id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Handles returns the live handles ordered by creation time.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Handle) int {
		return a.createdAt.Compare(b.createdAt)
	})
	return out
}

type bringUpResult struct {
	engine Engine
	claim  *cachedir.Claim
	info   Info
	err    error
}

// Initialize brings up the engine for h and blocks until it is ready, has
// failed, has timed out, or h has been disposed.
//
// Only a handle in StateUninitialized may be initialized; when several
// goroutines call Initialize concurrently exactly one proceeds and the rest
// get ErrInvalidState. On timeout the handle degrades with reason "timeout"
// and ErrInitTimeout is returned. Any other failure degrades with the error
// text as reason and returns an error wrapping ErrEngineInit. The supervisor
// never retries.
func (s *Supervisor) Initialize(ctx context.Context, h *Handle) (Info, error) {
	if h == nil {
		return Info{}, ErrNilHandle
	}

	timeout := s.initTimeout
	if h.timeout > 0 {
		timeout = h.timeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.mu.Lock()
	if h.state != StateUninitialized {
		state := h.state
		h.mu.Unlock()
		return Info{}, fmt.Errorf("%w: initialize runtime %s in state %s", ErrInvalidState, h.id, state)
	}
	s.transitionLocked(h, StateInitializing)
	done := make(chan struct{})
	h.cancel = cancel
	h.initDone = done
	h.mu.Unlock()

	h.logger.Info("runtime initializing", "timeout", timeout)
	s.publish(h, TopicInitializing, StateChange{
		RuntimeID: h.id,
		From:      StateUninitialized,
		To:        StateInitializing,
	})

	start := time.Now()
	res := s.bringUp(initCtx, h)
	elapsed := time.Since(start)

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		if err := s.release(res.engine, res.claim); err != nil {
			h.logger.Warn("release after dispose failed", "error", err)
		}
		close(done)
		s.metrics.InitFinished("disposed", elapsed)
		return Info{}, fmt.Errorf("%w: runtime %s", ErrDisposed, h.id)
	}

	h.engine = res.engine
	h.claim = res.claim

	if res.err == nil {
		s.transitionLocked(h, StateReady)
		h.info = res.info
		h.mu.Unlock()
		close(done)

		s.metrics.InitFinished("ready", elapsed)
		h.logger.Info("runtime ready", "version", res.info.Version, "elapsed", elapsed)
		s.notify(h, StateChange{
			RuntimeID: h.id,
			From:      StateInitializing,
			To:        StateReady,
			Version:   res.info.Version,
		}, res.info)
		return res.info, nil
	}

	reason, err := classify(ctx, initCtx, res.err, timeout)
	s.transitionLocked(h, StateDegraded)
	h.reason = reason
	h.lastErr = err
	h.mu.Unlock()
	close(done)

	outcome := "failed"
	if errors.Is(err, ErrInitTimeout) {
		outcome = ReasonTimeout
	}
	s.metrics.InitFinished(outcome, elapsed)
	h.logger.Warn("runtime degraded", "reason", reason, "elapsed", elapsed)
	s.notify(h, StateChange{
		RuntimeID: h.id,
		From:      StateInitializing,
		To:        StateDegraded,
		Reason:    reason,
	}, Info{})
	return Info{}, err
}

// classify maps a bring-up failure to the degradation reason and the error
// returned to the caller.
func classify(parent, initCtx context.Context, cause error, timeout time.Duration) (string, error) {
	switch {
	case parent.Err() == nil && errors.Is(initCtx.Err(), context.DeadlineExceeded):
		return ReasonTimeout, fmt.Errorf("%w after %s", ErrInitTimeout, timeout)
	case parent.Err() != nil:
		return "cancelled", fmt.Errorf("%w: %w", ErrEngineInit, parent.Err())
	default:
		return cause.Error(), fmt.Errorf("%w: %w", ErrEngineInit, cause)
	}
}

// bringUp claims the cache directory, creates the engine and waits for its
// initialization. Whatever it acquired is returned even on failure.
func (s *Supervisor) bringUp(ctx context.Context, h *Handle) bringUpResult {
	var res bringUpResult

	dir, err := s.CacheDir()
	if err != nil {
		res.err = err
		return res
	}

	claim, err := s.registry.Acquire(ctx, dir, h.id)
	if err != nil {
		res.err = err
		return res
	}
	res.claim = claim

	engine, err := s.factory.CreateEngine(dir, &observer{s: s, h: h})
	if err != nil {
		res.err = fmt.Errorf("create engine: %w", err)
		return res
	}
	res.engine = engine

	type outcome struct {
		info Info
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		info, err := engine.Initialize(ctx)
		ch <- outcome{info: info, err: err}
	}()

	select {
	case o := <-ch:
		res.info, res.err = o.info, o.err
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	return res
}

// CacheDir returns the directory engines are created in. An explicit
// directory is used as given; otherwise the ASCII-safe per-user path for the
// product id is derived and created.
func (s *Supervisor) CacheDir() (string, error) {
	if s.cacheDir != "" {
		return filepath.Abs(s.cacheDir)
	}
	return cachedir.SafePath(s.productID)
}

// Dispose moves h to StateDisposed from any state. An in-flight
// initialization is cancelled and Dispose waits for it to unwind. The engine
// is closed before the cache directory is released, and the bus is closed
// last. Calling Dispose again is a no-op.
func (s *Supervisor) Dispose(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}

	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return nil
	}
	from := h.state
	s.transitionLocked(h, StateDisposed)
	cancel, initDone := h.cancel, h.initDone
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if from == StateInitializing && initDone != nil {
		<-initDone
	}

	h.mu.Lock()
	engine, claim := h.engine, h.claim
	h.engine, h.claim = nil, nil
	h.mu.Unlock()

	err := s.release(engine, claim)

	if _, perr := h.bus.Publish(TopicDisposed, StateChange{
		RuntimeID: h.id,
		From:      from,
		To:        StateDisposed,
	}, bus.OriginHost); perr != nil {
		h.logger.Debug("disposed notice not published", "error", perr)
	}
	h.bus.Close()

	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()

	if err != nil {
		h.logger.Warn("runtime disposed with errors", "from", from.String(), "error", err)
		return err
	}
	h.logger.Info("runtime disposed", "from", from.String())
	return nil
}

// Shutdown disposes every live handle.
func (s *Supervisor) Shutdown() error {
	var errs []error
	for _, h := range s.Handles() {
		if err := s.Dispose(h); err != nil {
			errs = append(errs, fmt.Errorf("dispose %s: %w", h.id, err))
		}
	}
	return errors.Join(errs...)
}

// Navigate loads target into the runtime's engine. The handle must be ready.
func (s *Supervisor) Navigate(h *Handle, target Target) error {
	engine, err := h.readyEngine("navigate")
	if err != nil {
		return err
	}
	if target.URI == "" && target.HTML == "" {
		return fmt.Errorf("navigate runtime %s: empty target", h.id)
	}
	h.logger.Debug("navigating", "target", target.String())
	return engine.Navigate(target)
}

// PostToGuest forwards an encoded frame into the runtime's guest context.
// The handle must be ready.
func (s *Supervisor) PostToGuest(h *Handle, frame []byte) error {
	engine, err := h.readyEngine("post to guest")
	if err != nil {
		return err
	}
	return engine.PostToGuest(frame)
}

// release closes engine and then releases claim. The claim is marked as
// releasing first so a concurrent Initialize on the same directory waits
// instead of failing.
func (s *Supervisor) release(engine Engine, claim *cachedir.Claim) error {
	if claim != nil {
		claim.BeginRelease()
	}

	var errs []error
	if engine != nil {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if claim != nil {
		if err := claim.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release cache directory: %w", err))
		}
	}
	return errors.Join(errs...)
}

// transitionLocked moves h to "to" if allowed. h.mu must be held.
func (s *Supervisor) transitionLocked(h *Handle, to State) bool {
	from := h.state
	if !CanTransition(from, to) {
		h.logger.Error("illegal transition", "from", from.String(), "to", to.String())
		return false
	}
	h.state = to
	s.metrics.Transition(from.String(), to.String())
	return true
}

// notify posts the handle's single ready/degraded notification. It is
// dropped if another was already delivered or the handle was disposed
// before the dispatcher ran it.
func (s *Supervisor) notify(h *Handle, change StateChange, info Info) {
	topic := TopicDegraded
	if change.To == StateReady {
		topic = TopicReady
	}

	posted := s.dispatcher.Post(func() {
		h.mu.Lock()
		if h.notified || h.state == StateDisposed {
			h.mu.Unlock()
			return
		}
		h.notified = true
		n := h.notifier
		h.mu.Unlock()

		if _, err := h.bus.Publish(topic, change, bus.OriginHost); err != nil {
			h.logger.Debug("lifecycle notice not published", "topic", topic, "error", err)
		}
		if n == nil {
			return
		}
		if change.To == StateReady {
			n.OnReady(h, info)
		} else {
			n.OnDegraded(h, change.Reason)
		}
	})
	if !posted {
		h.logger.Warn("dispatcher stopped, notification dropped", "topic", topic)
	}
}

// publish posts a host-origin message onto h's bus via the dispatcher.
func (s *Supervisor) publish(h *Handle, topic string, payload any) {
	s.dispatcher.Post(func() {
		if _, err := h.bus.Publish(topic, payload, bus.OriginHost); err != nil && !errors.Is(err, bus.ErrClosed) {
			h.logger.Warn("publish failed", "topic", topic, "error", err)
		}
	})
}

// observer forwards engine events to the log and the handle's bus.
type observer struct {
	s *Supervisor
	h *Handle
}

func (o *observer) OnInitCompleted(info Info, err error) {
	if err != nil {
		o.h.logger.Warn("engine init completed with error", "error", err)
		return
	}
	o.h.logger.Info("engine init completed", "version", info.Version)
}

func (o *observer) OnNavigationStarting(target Target) {
	o.h.logger.Debug("navigation starting", "target", target.String())
	o.s.publish(o.h, TopicNavigationStarting, NavigationEvent{
		RuntimeID: o.h.id,
		Target:    target.String(),
	})
}

func (o *observer) OnNavigationCompleted(target Target, err error) {
	ev := NavigationEvent{RuntimeID: o.h.id, Target: target.String()}
	if err != nil {
		ev.Error = err.Error()
		o.h.logger.Warn("navigation failed", "target", target.String(), "error", err)
	} else {
		o.h.logger.Debug("navigation completed", "target", target.String())
	}
	o.s.publish(o.h, TopicNavigationCompleted, ev)
}
