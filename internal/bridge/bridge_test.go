package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dreamine/hybridhost/internal/bridge"
	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/cachedir"
	"github.com/dreamine/hybridhost/internal/engine/loopback"
	"github.com/dreamine/hybridhost/internal/metrics"
	"github.com/dreamine/hybridhost/internal/supervisor"
	"github.com/dreamine/hybridhost/internal/uithread"
	"github.com/dreamine/hybridhost/internal/watch"
)

// --- Mock implementations ------------------------------------------------

type mockTarget struct {
	mu       sync.Mutex
	calls    []string
	provider bridge.ServiceProvider
}

func (m *mockTarget) SetServiceProvider(p bridge.ServiceProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = p
	m.calls = append(m.calls, "provider")
	return nil
}

func (m *mockTarget) SetRootComponents(roots []bridge.RootComponent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range roots {
		m.calls = append(m.calls, "root:"+r.Component+"@"+r.Selector)
	}
	return nil
}

func (m *mockTarget) ClearRootComponents() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "clear")
	return nil
}

func (m *mockTarget) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockSurface struct {
	docs chan string
}

func newMockSurface() *mockSurface {
	return &mockSurface{docs: make(chan string, 4)}
}

func (m *mockSurface) RenderFallback(doc string) error {
	m.docs <- doc
	return nil
}

// fakeEngine completes Initialize when release is closed. A nil release
// completes immediately.
type fakeEngine struct {
	release chan struct{}
	initErr error
	// onNavigate runs after each navigation is recorded.
	onNavigate func()

	mu          sync.Mutex
	observer    supervisor.EngineObserver
	navigations []supervisor.Target
	frames      [][]byte
}

func (e *fakeEngine) Initialize(ctx context.Context) (supervisor.Info, error) {
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return supervisor.Info{}, ctx.Err()
		}
	}
	if e.initErr != nil {
		return supervisor.Info{}, e.initErr
	}
	return supervisor.Info{Version: "fake/1.0"}, nil
}

func (e *fakeEngine) Navigate(t supervisor.Target) error {
	e.mu.Lock()
	e.navigations = append(e.navigations, t)
	e.mu.Unlock()
	if e.onNavigate != nil {
		e.onNavigate()
	}
	return nil
}

func (e *fakeEngine) PostToGuest(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, frame)
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) Navigations() []supervisor.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]supervisor.Target(nil), e.navigations...)
}

func (e *fakeEngine) Frames() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.frames...)
}

// --- Helpers ---------------------------------------------------------------

func newSupervisor(t *testing.T, factory supervisor.EngineFactory, opts ...supervisor.Option) *supervisor.Supervisor {
	t.Helper()
	return supervisor.New(factory, append([]supervisor.Option{
		supervisor.WithCacheDir(t.TempDir()),
		supervisor.WithRegistry(cachedir.NewRegistry()),
	}, opts...)...)
}

func engineFactory(e *fakeEngine) supervisor.EngineFactory {
	return supervisor.EngineFactoryFunc(func(_ string, obs supervisor.EngineObserver) (supervisor.Engine, error) {
		e.mu.Lock()
		e.observer = obs
		e.mu.Unlock()
		return e, nil
	})
}

func newBridge(t *testing.T, engine *fakeEngine, opts ...bridge.Option) (*bridge.Bridge, *mockTarget, *mockSurface) {
	t.Helper()
	target := &mockTarget{}
	surface := newMockSurface()
	b, err := bridge.New(newSupervisor(t, engineFactory(engine)), target, surface, opts...)
	if err != nil {
		t.Fatalf("bridge.New failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, target, surface
}

func mustSpec(t *testing.T, component string) bridge.MountSpec {
	t.Helper()
	spec, err := bridge.NewMountSpec("#app", component, bridge.NewServices(map[string]any{"clock": time.Now}))
	if err != nil {
		t.Fatalf("NewMountSpec failed: %v", err)
	}
	return spec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitWired waits until OnReady has opened the guest channel. The check
// frames it sends are ordinary guest messages.
func waitWired(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	waitFor(t, "guest channel", func() bool {
		return !errors.Is(b.ReceiveFromGuest([]byte(`{"topic":"wired.check"}`)), bridge.ErrInvalidState)
	})
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

func waitReady(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	waitFor(t, "runtime ready", func() bool {
		h := b.Handle()
		return h != nil && h.State() == supervisor.StateReady
	})
}

// --- Construction ----------------------------------------------------------

func TestNew_RequiresBindings(t *testing.T) {
	sup := newSupervisor(t, engineFactory(&fakeEngine{}))
	tests := []struct {
		name    string
		target  bridge.MountTarget
		surface bridge.Surface
		field   string
	}{
		{"no target", nil, newMockSurface(), "mount target"},
		{"no surface", &mockTarget{}, nil, "fallback surface"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.New(sup, tt.target, tt.surface)
			var cfgErr *bridge.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want ConfigurationError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestNewMountSpec(t *testing.T) {
	services := bridge.NewServices(map[string]any{"a": 1})

	if _, err := bridge.NewMountSpec("#app", "", services); err == nil {
		t.Error("missing root component should fail")
	}
	var cfgErr *bridge.ConfigurationError
	if _, err := bridge.NewMountSpec("#app", "App", nil); !errors.As(err, &cfgErr) {
		t.Errorf("missing services error = %v, want ConfigurationError", err)
	}

	spec, err := bridge.NewMountSpec("", "App", services)
	if err != nil {
		t.Fatalf("NewMountSpec failed: %v", err)
	}
	if spec.Selector() != bridge.DefaultSelector {
		t.Errorf("Selector = %q, want %q", spec.Selector(), bridge.DefaultSelector)
	}
	copied := spec
	if !copied.Equal(spec) {
		t.Error("a copy should equal its original")
	}
	other, _ := bridge.NewMountSpec("", "App", services)
	if other.Equal(spec) {
		t.Error("separately built specs must not be equal")
	}
	if got := services.Names(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Names = %v", got)
	}
}

// --- Lifecycle ---------------------------------------------------------------

func TestReady_MountsOnce(t *testing.T) {
	engine := &fakeEngine{}
	b, target, _ := newBridge(t, engine)

	if err := b.Attach(mustSpec(t, "Counter")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "mount", func() bool { return b.MountCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	if n := b.MountCount(); n != 1 {
		t.Errorf("MountCount = %d, want 1", n)
	}
	want := []string{"provider", "root:Counter@#app"}
	if got := target.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("target calls = %v, want %v", got, want)
	}
	navs := engine.Navigations()
	if len(navs) != 1 || navs[0].URI != "index.html" {
		t.Errorf("navigations = %+v, want [index.html]", navs)
	}
	if _, degraded := b.Degraded(); degraded {
		t.Error("bridge should not be degraded")
	}
}

func TestTap_SeesInitialization(t *testing.T) {
	release := make(chan struct{})
	topics := make(chan string, 16)
	b, _, _ := newBridge(t, &fakeEngine{release: release}, bridge.WithTap(func(msg bus.Message) error {
		topics <- msg.Topic
		return nil
	}))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	close(release)

	for _, want := range []string{supervisor.TopicInitializing, supervisor.TopicReady} {
		select {
		case got := <-topics:
			if got != want {
				t.Errorf("tap saw %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("tap never saw %s", want)
		}
	}
}

func TestInitTimeout_RendersEscapedFallback(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	endpoint := `http://localhost:5000/?q=<script>alert("x")</script>`
	b, target, surface := newBridge(t, engine,
		bridge.WithInitTimeout(100*time.Millisecond),
		bridge.WithTargetEndpoint(endpoint),
	)
	if err := b.Attach(mustSpec(t, "App")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	start := time.Now()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var doc string
	select {
	case doc = <-surface.docs:
	case <-time.After(3 * time.Second):
		t.Fatal("fallback was not rendered")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("fallback after %s, want >= 100ms", elapsed)
	}

	h := b.Handle()
	if h.State() != supervisor.StateDegraded || h.Reason() != "timeout" {
		t.Errorf("handle state=%s reason=%q, want degraded/timeout", h.State(), h.Reason())
	}
	if strings.Contains(doc, "<script>") {
		t.Error("fallback embeds the endpoint unescaped")
	}
	if !strings.Contains(doc, "&lt;script&gt;") {
		t.Errorf("fallback does not contain the escaped endpoint:\n%s", doc)
	}
	if !strings.Contains(doc, "Server Offline") {
		t.Error("fallback title missing")
	}
	if len(target.Calls()) != 0 || b.MountCount() != 0 {
		t.Error("degraded runtime must not be mounted")
	}
	if reason, ok := b.Degraded(); !ok || reason != "timeout" {
		t.Errorf("Degraded() = %q, %v", reason, ok)
	}
}

func TestAttach_LastBeforeReadyWins(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	b, target, _ := newBridge(t, engine)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Attach(mustSpec(t, "First")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	second := mustSpec(t, "Second")
	if err := b.Attach(second); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if b.MountCount() != 0 {
		t.Fatal("nothing should mount before ready")
	}

	close(engine.release)
	waitFor(t, "mount", func() bool { return b.MountCount() == 1 })

	calls := target.Calls()
	for _, c := range calls {
		if strings.Contains(c, "First") {
			t.Errorf("first spec was mounted: %v", calls)
		}
	}
	if mounted, ok := b.Mounted(); !ok || !mounted.Equal(second) {
		t.Errorf("mounted = %v, want %v", mounted, second)
	}
}

func TestLateSubscriber_SeesOnlyNewMessages(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := newBridge(t, engine)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	if _, err := b.Publish("ping", 1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := make(chan int, 4)
	if _, err := b.Handle().Bus().Subscribe("ping", func(m bus.Message) error {
		n, err := bus.Decode[int](m)
		got <- n
		return err
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := b.Publish("ping", 2); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case n := <-got:
		if n != 2 {
			t.Errorf("late subscriber received ping %d first, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("new ping was not delivered")
	}
	select {
	case n := <-got:
		t.Errorf("unexpected extra delivery %d", n)
	case <-time.After(20 * time.Millisecond):
	}
}

// --- Mounting ------------------------------------------------------------

func TestAttach_HotSwap(t *testing.T) {
	engine := &fakeEngine{}
	b, target, _ := newBridge(t, engine)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	first := mustSpec(t, "First")
	if err := b.Attach(first); err != nil {
		t.Fatalf("Attach first failed: %v", err)
	}
	second := mustSpec(t, "Second")
	if err := b.Attach(second); err != nil {
		t.Fatalf("Attach second failed: %v", err)
	}
	// Re-attaching the mounted spec is a no-op.
	if err := b.Attach(second); err != nil {
		t.Fatalf("Attach again failed: %v", err)
	}

	want := []string{
		"provider", "root:First@#app",
		"clear",
		"provider", "root:Second@#app",
	}
	if got := target.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("target calls = %v\nwant %v", got, want)
	}
	if b.MountCount() != 2 {
		t.Errorf("MountCount = %d, want 2", b.MountCount())
	}
	if len(engine.Navigations()) != 2 {
		t.Errorf("navigations = %d, want 2", len(engine.Navigations()))
	}
}

func TestAttach_Errors(t *testing.T) {
	b, _, _ := newBridge(t, &fakeEngine{})

	var cfgErr *bridge.ConfigurationError
	if err := b.Attach(bridge.MountSpec{}); !errors.As(err, &cfgErr) {
		t.Errorf("zero spec error = %v, want ConfigurationError", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Attach(mustSpec(t, "App")); !errors.Is(err, bridge.ErrInvalidState) {
		t.Errorf("Attach after Close = %v, want ErrInvalidState", err)
	}
}

func TestStart_Twice(t *testing.T) {
	b, _, _ := newBridge(t, &fakeEngine{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, bridge.ErrInvalidState) {
		t.Errorf("second Start = %v, want ErrInvalidState", err)
	}
}

func TestDesignMode_NeverStarts(t *testing.T) {
	engine := &fakeEngine{}
	b, target, _ := newBridge(t, engine, bridge.WithCapabilities(bridge.Capabilities{DesignMode: true}))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Attach(mustSpec(t, "App")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if b.Handle() != nil {
		t.Error("design mode must not create a runtime")
	}
	if len(target.Calls()) != 0 {
		t.Error("design mode must not mount")
	}
}

func TestReload_OnDocumentChange(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := newBridge(t, engine, bridge.WithHostDocument("app/index.html"))
	if err := b.Attach(mustSpec(t, "App")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "mount", func() bool { return b.MountCount() == 1 })

	if _, err := b.Publish(watch.TopicDocumentChanged, watch.DocumentChanged{Path: "app/index.html"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, "reload", func() bool { return len(engine.Navigations()) == 2 })
	if navs := engine.Navigations(); navs[1].URI != "app/index.html" {
		t.Errorf("navigations = %+v, want two loads of app/index.html", navs)
	}
}

func TestReload_BeforeMountIsDropped(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := newBridge(t, engine)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitReady(t, b)

	// The bridge subscribed first, so this handler runs after its reload.
	delivered := make(chan struct{}, 1)
	if _, err := b.Handle().Bus().Subscribe(watch.TopicDocumentChanged, func(bus.Message) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(watch.TopicDocumentChanged, watch.DocumentChanged{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("document change not delivered")
	}
	if n := len(engine.Navigations()); n != 0 {
		t.Fatalf("navigated %d times with nothing mounted", n)
	}

	if err := b.Attach(mustSpec(t, "App")); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	waitFor(t, "mount", func() bool { return b.MountCount() == 1 })
	if n := len(engine.Navigations()); n != 1 {
		t.Errorf("navigated %d times, want 1", n)
	}
}

func TestReload_DuringMountNavigation(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := newBridge(t, engine)

	// The first navigation reports a change while the mount still holds
	// the bridge's mount lock.
	var once sync.Once
	engine.onNavigate = func() {
		once.Do(func() {
			if _, err := b.Publish(watch.TopicDocumentChanged, watch.DocumentChanged{}); err != nil {
				t.Errorf("Publish failed: %v", err)
			}
		})
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	spec := mustSpec(t, "App")
	done := make(chan error, 1)
	go func() { done <- b.Attach(spec) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Attach deadlocked on a reload delivered during its navigation")
	}

	waitFor(t, "reload", func() bool { return len(engine.Navigations()) >= 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(engine.Navigations()); n != 2 {
		t.Errorf("navigated %d times, want the mount and one reload", n)
	}
}

// --- Bus endpoints ---------------------------------------------------------

func TestHostHandler(t *testing.T) {
	saved := make(chan string, 1)
	handler := func(m bus.Message) error {
		name, err := bus.Decode[string](m)
		saved <- name
		return err
	}
	b, _, _ := newBridge(t, &fakeEngine{}, bridge.WithHostHandler("app.save", handler))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	if err := b.ReceiveFromGuest([]byte(`{"topic":"app.save","payload":"doc.txt"}`)); err != nil {
		t.Fatalf("ReceiveFromGuest failed: %v", err)
	}
	select {
	case name := <-saved:
		if name != "doc.txt" {
			t.Errorf("handler got %q, want doc.txt", name)
		}
	case <-time.After(time.Second):
		t.Fatal("host handler was not called")
	}
}

func TestGuestChannel(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := newBridge(t, engine, bridge.WithGuestTopics("host.*"))

	if err := b.ReceiveFromGuest([]byte(`{"topic":"early"}`)); !errors.Is(err, bridge.ErrInvalidState) {
		t.Errorf("ReceiveFromGuest before ready = %v, want ErrInvalidState", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	type pong struct {
		N int `json:"n"`
	}
	received := make(chan bus.Message, 4)
	if _, err := b.Handle().Bus().Subscribe("guest.*", func(m bus.Message) error {
		received <- m
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("host to guest", func(t *testing.T) {
		before := len(engine.Frames())
		if _, err := b.Publish("host.ping", map[string]int{"n": 1}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if _, err := b.Publish("other.topic", 1); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, "forwarded frame", func() bool { return len(engine.Frames()) > before })
		time.Sleep(20 * time.Millisecond)
		frames := engine.Frames()[before:]
		if len(frames) != 1 {
			t.Fatalf("forwarded %d frames, want 1", len(frames))
		}
		frame, err := bus.JSONCodec{}.Decode(frames[0])
		if err != nil {
			t.Fatalf("frame not decodable: %v", err)
		}
		if frame.Topic != "host.ping" || frame.Origin != bus.OriginHost || frame.Seq == 0 {
			t.Errorf("frame = %+v", frame)
		}
	})

	t.Run("guest to host", func(t *testing.T) {
		before := len(engine.Frames())
		if err := b.ReceiveFromGuest([]byte(`{"topic":"guest.pong","payload":{"n":7}}`)); err != nil {
			t.Fatalf("ReceiveFromGuest failed: %v", err)
		}
		select {
		case m := <-received:
			if m.Origin != bus.OriginGuest {
				t.Errorf("origin = %s, want guest", m.Origin)
			}
			if _, ok := m.Payload.(json.RawMessage); !ok {
				t.Errorf("payload type = %T, want json.RawMessage", m.Payload)
			}
			p, err := bus.Decode[pong](m)
			if err != nil || p.N != 7 {
				t.Errorf("decoded %+v, %v", p, err)
			}
		case <-time.After(time.Second):
			t.Fatal("guest message not published")
		}
		if len(engine.Frames()) != before {
			t.Error("guest messages must not be echoed into the engine")
		}
	})

	t.Run("rejected frames", func(t *testing.T) {
		if err := b.ReceiveFromGuest([]byte(`not json`)); err == nil {
			t.Error("malformed frame should fail")
		}
		if err := b.ReceiveFromGuest([]byte(`{"payload":1}`)); !errors.Is(err, bus.ErrInvalidTopic) {
			t.Errorf("frame without topic = %v, want ErrInvalidTopic", err)
		}
		if err := b.ReceiveFromGuest([]byte(`{"topic":"x","origin":"host"}`)); !errors.Is(err, bridge.ErrForgedOrigin) {
			t.Errorf("forged origin = %v, want ErrForgedOrigin", err)
		}
	})
}

func TestGuestChannel_RateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, _, _ := newBridge(t, &fakeEngine{},
		bridge.WithGuestRateLimit(0.001, 1),
		bridge.WithMetrics(rec),
	)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitReady(t, b)
	waitFor(t, "guest channel", func() bool {
		err := b.ReceiveFromGuest([]byte(`{"topic":"first"}`))
		return !errors.Is(err, bridge.ErrInvalidState)
	})

	if err := b.ReceiveFromGuest([]byte(`{"topic":"second"}`)); !errors.Is(err, bridge.ErrRateLimited) {
		t.Errorf("second frame = %v, want ErrRateLimited", err)
	}
	if n, err := testutil.GatherAndCount(reg, "hybridhost_bridge_guest_frames_dropped_total"); err != nil || n != 1 {
		t.Errorf("dropped series = %d (err %v), want 1", n, err)
	}
}

func TestClose(t *testing.T) {
	b, _, _ := newBridge(t, &fakeEngine{})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitReady(t, b)
	h := b.Handle()

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if h.State() != supervisor.StateDisposed {
		t.Errorf("handle state = %s, want disposed", h.State())
	}
	if !h.Bus().Closed() {
		t.Error("bus should be closed")
	}
	if err := b.ReceiveFromGuest([]byte(`{"topic":"x"}`)); !errors.Is(err, bridge.ErrInvalidState) {
		t.Errorf("ReceiveFromGuest after Close = %v, want ErrInvalidState", err)
	}
}

func TestClose_DuringInitialization(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	b, _, surface := newBridge(t, engine)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "initializing", func() bool {
		return b.Handle().State() == supervisor.StateInitializing
	})

	events := make(chan bus.Message, 8)
	if _, err := b.Handle().Bus().Subscribe("runtime.*", func(m bus.Message) error {
		events <- m
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case doc := <-surface.docs:
		t.Errorf("fallback rendered after close: %s", doc)
	case <-time.After(50 * time.Millisecond):
	}
	if b.MountCount() != 0 {
		t.Error("nothing should mount after close")
	}

	// The handle goes straight from initializing to disposed. Cancelling
	// the start context must not degrade it first.
	sawDisposed := false
	for len(events) > 0 {
		m := <-events
		switch m.Topic {
		case supervisor.TopicDegraded:
			t.Errorf("runtime degraded during Close: %+v", m.Payload)
		case supervisor.TopicDisposed:
			sawDisposed = true
			change, ok := m.Payload.(supervisor.StateChange)
			if !ok || change.From != supervisor.StateInitializing {
				t.Errorf("disposed notice = %+v, want from initializing", m.Payload)
			}
		}
	}
	if !sawDisposed {
		t.Error("no disposed notice published")
	}
}

// --- End to end ------------------------------------------------------------

func TestLoopbackRoundTrip(t *testing.T) {
	factory := loopback.NewFactory(loopback.Config{Script: loopback.EchoScript("guest.ack")})
	sup := newSupervisor(t, factory)

	b, err := bridge.New(sup, &mockTarget{}, newMockSurface(), bridge.WithGuestTopics("host.*"))
	if err != nil {
		t.Fatalf("bridge.New failed: %v", err)
	}
	defer b.Close()
	factory.SetSink(b.ReceiveFromGuest)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	acks := make(chan loopback.Ack, 1)
	if _, err := b.Handle().Bus().Subscribe("guest.ack", func(m bus.Message) error {
		ack, err := bus.Decode[loopback.Ack](m)
		if err != nil {
			return err
		}
		acks <- ack
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	seq, err := b.Publish("host.ping", "hello")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ack := <-acks:
		if ack.Topic != "host.ping" || ack.Seq != seq {
			t.Errorf("ack = %+v, want topic host.ping seq %d", ack, seq)
		}
		if string(ack.Payload) != `"hello"` {
			t.Errorf("ack payload = %s", ack.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no acknowledgement from guest")
	}
}

func TestHostHandler_RunsOnDispatcher(t *testing.T) {
	loop := uithread.NewLoop()
	defer loop.Stop()
	var loopID uint64
	loop.Sync(func() { loopID = goroutineID() })

	factory := loopback.NewFactory(loopback.Config{Script: loopback.EchoScript("guest.ack")})
	sup := newSupervisor(t, factory, supervisor.WithDispatcher(loop))

	acks := make(chan uint64, 4)
	b, err := bridge.New(sup, &mockTarget{}, newMockSurface(),
		bridge.WithDispatcher(loop),
		bridge.WithGuestTopics("host.*"),
		bridge.WithHostHandler("guest.ack", func(bus.Message) error {
			acks <- goroutineID()
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("bridge.New failed: %v", err)
	}
	defer b.Close()
	factory.SetSink(b.ReceiveFromGuest)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitWired(t, b)

	tests := []struct {
		name    string
		publish func() error
	}{
		{
			name: "publish on the loop",
			publish: func() error {
				var err error
				loop.Sync(func() { _, err = b.Publish("host.ping", "sync") })
				return err
			},
		},
		{
			name:    "post from another goroutine",
			publish: func() error { return b.Post("host.ping", "posted") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.publish(); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			select {
			case id := <-acks:
				if id != loopID {
					t.Errorf("host handler ran on goroutine %d, want loop goroutine %d", id, loopID)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("no acknowledgement from guest")
			}
		})
	}
}

func TestPost_Errors(t *testing.T) {
	b, _, _ := newBridge(t, &fakeEngine{})
	if err := b.Post("host.ping", nil); !errors.Is(err, bridge.ErrInvalidState) {
		t.Errorf("Post before Start = %v, want ErrInvalidState", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.Post("", nil); !errors.Is(err, bus.ErrInvalidTopic) {
		t.Errorf("Post with empty topic = %v, want ErrInvalidTopic", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Post("host.ping", nil); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Post after Close = %v, want ErrClosed", err)
	}
}

func TestRenderFallback(t *testing.T) {
	doc, err := bridge.RenderFallback(bridge.FallbackData{
		Endpoint: `http://a/"onload="x`,
		Reason:   "engine <missing>",
	})
	if err != nil {
		t.Fatalf("RenderFallback failed: %v", err)
	}
	for _, unsafe := range []string{`"onload="`, "<missing>"} {
		if strings.Contains(doc, unsafe) {
			t.Errorf("document contains unescaped %q", unsafe)
		}
	}
	if !strings.Contains(doc, "engine &lt;missing&gt;") {
		t.Error("reason not rendered")
	}
}
