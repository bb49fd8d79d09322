package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/supervisor"
)

var (
	// ErrNotInitialized is returned by Navigate and PostToGuest before a
	// successful Initialize.
	ErrNotInitialized = errors.New("loopback engine not initialized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("loopback engine closed")

	// ErrInboxFull is returned when the guest event loop is too far behind.
	ErrInboxFull = errors.New("guest inbox full")
)

// StateFileName is written into the cache directory on Initialize.
const StateFileName = "loopback.json"

type engineState struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Document  string    `json:"document,omitempty"`
}

// Engine is a loopback supervisor.Engine.
type Engine struct {
	factory  *Factory
	cacheDir string
	observer supervisor.EngineObserver
	logger   *logging.Logger

	inbox  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	closed      bool
	current     supervisor.Target
	content     string
}

func newEngine(f *Factory, cacheDir string, observer supervisor.EngineObserver) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		factory:  f,
		cacheDir: cacheDir,
		observer: observer,
		logger:   f.cfg.Logger.WithComponent("engine"),
		inbox:    make(chan []byte, f.cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initialize implements supervisor.Engine.
func (e *Engine) Initialize(ctx context.Context) (supervisor.Info, error) {
	info, err := e.initialize(ctx)
	e.observer.OnInitCompleted(info, err)
	return info, err
}

func (e *Engine) initialize(ctx context.Context) (supervisor.Info, error) {
	cfg := e.factory.cfg

	if cfg.InitDelay > 0 {
		timer := time.NewTimer(cfg.InitDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return supervisor.Info{}, ctx.Err()
		}
	}
	if cfg.FailInit != nil {
		return supervisor.Info{}, cfg.FailInit
	}

	var doc string
	if cfg.DocumentPath != "" {
		abs, err := filepath.Abs(cfg.DocumentPath)
		if err != nil {
			return supervisor.Info{}, fmt.Errorf("resolve host document: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return supervisor.Info{}, fmt.Errorf("host document: %w", err)
		}
		doc = abs
	}

	state, err := json.MarshalIndent(engineState{
		Version:   Version,
		StartedAt: time.Now().UTC(),
		Document:  doc,
	}, "", "  ")
	if err != nil {
		return supervisor.Info{}, err
	}
	if err := os.WriteFile(filepath.Join(e.cacheDir, StateFileName), state, 0o644); err != nil {
		return supervisor.Info{}, fmt.Errorf("write engine state: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return supervisor.Info{}, ErrClosed
	}
	e.initialized = true
	e.mu.Unlock()

	e.wg.Go(e.loop)

	e.logger.Info("loopback engine initialized", "cache_dir", e.cacheDir, "document", doc)
	return supervisor.Info{
		Version:    Version,
		Diagnostic: fmt.Sprintf("headless; cache %s", e.cacheDir),
	}, nil
}

// Navigate implements supervisor.Engine. URIs without a scheme or with the
// file scheme are read from disk, relative to the host document's directory.
// Other schemes are accepted without loading.
func (e *Engine) Navigate(target supervisor.Target) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.observer.OnNavigationStarting(target)
	content, err := e.load(target)
	if err == nil {
		e.mu.Lock()
		e.current = target
		e.content = content
		e.mu.Unlock()
	}
	e.observer.OnNavigationCompleted(target, err)
	return err
}

func (e *Engine) load(target supervisor.Target) (string, error) {
	if target.IsHTML() {
		return target.HTML, nil
	}

	u, err := url.Parse(target.URI)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", target.URI, err)
	}
	if u.Scheme != "" && u.Scheme != "file" {
		return "", nil
	}

	path := u.Path
	if !filepath.IsAbs(path) && e.factory.cfg.DocumentPath != "" {
		path = filepath.Join(filepath.Dir(e.factory.cfg.DocumentPath), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", target.URI, err)
	}
	return string(data), nil
}

// Current returns the last successfully loaded target and its content.
func (e *Engine) Current() (supervisor.Target, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.content
}

// PostToGuest implements supervisor.Engine. It only enqueues the frame.
func (e *Engine) PostToGuest(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return err
	}

	select {
	case e.inbox <- frame:
		return nil
	default:
		return ErrInboxFull
	}
}

func (e *Engine) usableLocked() error {
	if e.closed {
		return ErrClosed
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Close stops the guest event loop. Frames still queued are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Debug("loopback engine closed")
	return nil
}

// loop is the guest event loop.
func (e *Engine) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case data := <-e.inbox:
			e.runScript(data)
		}
	}
}

func (e *Engine) runScript(data []byte) {
	script := e.factory.cfg.Script
	if script == nil {
		return
	}

	frame, err := e.factory.cfg.Codec.Decode(data)
	if err != nil {
		e.logger.Warn("guest dropped undecodable frame", "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("guest script panicked",
				"topic", frame.Topic,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	if err := script(e.ctx, frame, e.reply); err != nil {
		e.logger.Warn("guest script failed", "topic", frame.Topic, "error", err)
	}
}

func (e *Engine) reply(topic string, payload any) error {
	sink := e.factory.currentSink()
	if sink == nil {
		return errors.New("loopback: no sink")
	}
	data, err := e.factory.cfg.Codec.Encode(bus.Message{
		Topic:   topic,
		Payload: payload,
		Origin:  bus.OriginGuest,
	})
	if err != nil {
		return err
	}
	return sink(data)
}
