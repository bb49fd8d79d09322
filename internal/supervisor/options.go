package supervisor

import (
	"time"

	"github.com/dreamine/hybridhost/internal/cachedir"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/metrics"
	"github.com/dreamine/hybridhost/internal/uithread"
)

const (
	// DefaultInitTimeout bounds engine bring-up when no timeout is configured.
	DefaultInitTimeout = 10 * time.Second

	// DefaultProductID names the cache directory when none is configured.
	DefaultProductID = "Dreamine"
)

// sharedRegistry serializes cache directory use across every Supervisor in
// the process that does not set its own registry.
var sharedRegistry = cachedir.NewRegistry()

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger for the supervisor and its handles.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDispatcher sets the dispatcher notifications are posted to.
// The default runs them inline on the initializing goroutine.
func WithDispatcher(d uithread.Dispatcher) Option {
	return func(s *Supervisor) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithMetrics records transitions, init outcomes and bus traffic on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Supervisor) { s.metrics = rec }
}

// WithInitTimeout sets the default init timeout. Non-positive values are
// replaced with DefaultInitTimeout.
func WithInitTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithCacheDir uses dir as the engine cache directory instead of the
// per-user path derived from the product id.
func WithCacheDir(dir string) Option {
	return func(s *Supervisor) { s.cacheDir = dir }
}

// WithProductID sets the product id the default cache path is derived from.
func WithProductID(id string) Option {
	return func(s *Supervisor) {
		if id != "" {
			s.productID = id
		}
	}
}

// WithRegistry sets the registry used to claim cache directories.
func WithRegistry(r *cachedir.Registry) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.registry = r
		}
	}
}
