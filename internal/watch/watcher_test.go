package watch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/uithread"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []DocumentChanged
	notify  chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{notify: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(topic string, payload any, _ bus.Origin) (uint64, error) {
	p.mu.Lock()
	if topic == TopicDocumentChanged {
		p.changes = append(p.changes, payload.(DocumentChanged))
	}
	n := len(p.changes)
	p.mu.Unlock()
	p.notify <- struct{}{}
	return uint64(n), nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

func startWatcher(t *testing.T, path string, pub Publisher, opts ...Option) {
	t.Helper()
	w, err := New(path, pub, append([]Option{WithDebounce(30 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_PublishesDebouncedChange(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := newRecordingPublisher()
	startWatcher(t, doc, pub)

	// Several writes in quick succession collapse into one message.
	for _, content := range []string{"v2", "v3", "v4"} {
		if err := os.WriteFile(doc, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-pub.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("no change published")
	}
	time.Sleep(100 * time.Millisecond)

	if n := pub.count(); n != 1 {
		t.Errorf("published %d changes, want 1", n)
	}
	pub.mu.Lock()
	got := pub.changes[0].Path
	pub.mu.Unlock()
	if got != doc {
		t.Errorf("Path = %q, want %q", got, doc)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := newRecordingPublisher()
	startWatcher(t, doc, pub)

	if err := os.WriteFile(filepath.Join(dir, "other.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := pub.count(); n != 0 {
		t.Errorf("published %d changes for an unrelated file", n)
	}
}

func TestWatcher_IgnoresRenameAway(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := newRecordingPublisher()
	startWatcher(t, doc, pub)

	if err := os.Rename(doc, doc+".bak"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := pub.count(); n != 0 {
		t.Errorf("published %d changes after the document was moved away", n)
	}
}

func TestWatcher_PublishesOnDispatcher(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	loop := uithread.NewLoop()
	defer loop.Stop()
	var loopID uint64
	loop.Sync(func() { loopID = goroutineID() })

	b := bus.New()
	got := make(chan uint64, 1)
	if _, err := b.Subscribe(TopicDocumentChanged, func(bus.Message) error {
		got <- goroutineID()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	startWatcher(t, doc, b, WithDispatcher(loop))

	if err := os.WriteFile(doc, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-got:
		if id != loopID {
			t.Errorf("handler ran on goroutine %d, want loop goroutine %d", id, loopID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message on the bus")
	}
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

func TestWatcher_PublishesOntoBus(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "index.html")
	if err := os.WriteFile(doc, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	got := make(chan bus.Message, 1)
	if _, err := b.Subscribe(TopicDocumentChanged, func(m bus.Message) error {
		got <- m
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	startWatcher(t, doc, b)

	if err := os.WriteFile(doc, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		change, err := bus.Decode[DocumentChanged](m)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if change.Path != doc || m.Origin != bus.OriginHost {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message on the bus")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New("/definitely/missing/dir/index.html", newRecordingPublisher()); err == nil {
		t.Error("New should fail for a missing directory")
	}
	if _, err := New(filepath.Join(t.TempDir(), "index.html"), nil); err == nil {
		t.Error("New should fail without a publisher")
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "index.html"), newRecordingPublisher())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
