package loopback

import (
	"errors"
	"sync"
	"time"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/supervisor"
)

// Version is reported in supervisor.Info.
const Version = "loopback/1"

// DefaultQueueSize bounds frames waiting for the guest event loop.
const DefaultQueueSize = 256

// Sink receives encoded frames sent by guest code.
type Sink func(frame []byte) error

// Config configures engines created by a Factory.
type Config struct {
	// DocumentPath is the host document. Initialize fails when it does not
	// exist. Relative navigation targets resolve against its directory.
	DocumentPath string

	// InitDelay delays Initialize, bounded by its context.
	InitDelay time.Duration

	// FailInit, when set, is returned by Initialize after InitDelay.
	FailInit error

	// Script runs guest frames. Nil drops them.
	Script GuestScript

	// Codec encodes and decodes frames. Defaults to bus.JSONCodec.
	Codec bus.Codec

	// QueueSize bounds the guest inbox. Defaults to DefaultQueueSize.
	QueueSize int

	Logger *logging.Logger
}

// Factory creates loopback engines. It implements supervisor.EngineFactory.
type Factory struct {
	cfg Config

	mu   sync.RWMutex
	sink Sink
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) *Factory {
	if cfg.Codec == nil {
		cfg.Codec = bus.JSONCodec{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Factory{cfg: cfg}
}

// SetSink sets where guest replies go. It may be called after engines have
// been created; they pick up the new sink on their next reply.
func (f *Factory) SetSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = s
}

func (f *Factory) currentSink() Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sink
}

// CreateEngine implements supervisor.EngineFactory.
func (f *Factory) CreateEngine(cacheDir string, observer supervisor.EngineObserver) (supervisor.Engine, error) {
	if observer == nil {
		return nil, errors.New("loopback: observer must not be nil")
	}
	return newEngine(f, cacheDir, observer), nil
}
