// Package watch republishes changes to the host document as bus messages.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/uithread"
)

// TopicDocumentChanged is published after the host document was written or
// created. Replacing the file by rename shows up as a create.
const TopicDocumentChanged = "host.document.changed"

// DefaultDebounce collapses the burst of events editors produce per save.
const DefaultDebounce = 150 * time.Millisecond

// DocumentChanged is the payload of TopicDocumentChanged.
type DocumentChanged struct {
	Path string    `json:"path"`
	Op   string    `json:"op"`
	Time time.Time `json:"time"`
}

// Publisher is where change messages go. *bus.Bus implements it.
type Publisher interface {
	Publish(topic string, payload any, origin bus.Origin) (uint64, error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a change is published.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithDispatcher publishes change messages from d instead of the watch
// goroutine, so their handlers run on the UI thread.
func WithDispatcher(d uithread.Dispatcher) Option {
	return func(w *Watcher) {
		if d != nil {
			w.dispatcher = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher watches one file. It watches the file's directory so that
// editors that save by rename are still seen.
type Watcher struct {
	path       string
	publisher  Publisher
	dispatcher uithread.Dispatcher
	debounce   time.Duration
	logger     *logging.Logger
	fsw        *fsnotify.Watcher

	closeOnce sync.Once
}

// New starts watching path. The file's directory must exist.
func New(path string, pub Publisher, opts ...Option) (*Watcher, error) {
	if pub == nil {
		return nil, errors.New("watch: publisher must not be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("watch directory %s does not exist", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:       abs,
		publisher:  pub,
		dispatcher: uithread.Inline{},
		debounce:   DefaultDebounce,
		logger:     logging.NopLogger(),
		fsw:        fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("watch")
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Run processes events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	var pending *fsnotify.Event

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			// A rename of the document itself moves it away.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = &event
			timer.Reset(w.debounce)

		case <-timer.C:
			if pending == nil {
				continue
			}
			w.publish(*pending)
			pending = nil

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) publish(event fsnotify.Event) {
	change := DocumentChanged{Path: w.path, Op: event.Op.String(), Time: time.Now()}
	posted := w.dispatcher.Post(func() {
		if _, err := w.publisher.Publish(TopicDocumentChanged, change, bus.OriginHost); err != nil {
			w.logger.Warn("publish document change failed", "error", err)
			return
		}
		w.logger.Info("host document changed", "op", change.Op)
	})
	if !posted {
		w.logger.Debug("dispatcher stopped, document change dropped", "op", change.Op)
	}
}

// Close stops the watcher. It is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
	})
	return err
}
