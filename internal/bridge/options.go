package bridge

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/metrics"
	"github.com/dreamine/hybridhost/internal/uithread"
)

const (
	// defaultDocument is the host document navigated to after mounting.
	defaultDocument = "index.html"

	// defaultEndpoint is shown on the fallback page when none is configured.
	defaultEndpoint = "http://localhost:5000"
)

// Option configures a Bridge.
type Option func(*config)

type hostHandler struct {
	topic   string
	handler bus.Handler
}

type config struct {
	logger       *logging.Logger
	metrics      *metrics.Recorder
	dispatcher   uithread.Dispatcher
	caps         Capabilities
	label        string
	document     string
	endpoint     string
	initTimeout  time.Duration
	hostHandlers []hostHandler
	tap          bus.Handler
	guestTopics  string
	guestLimit   rate.Limit
	guestBurst   int
	codec        bus.Codec
}

func defaultConfig() *config {
	return &config{
		logger:      logging.NopLogger(),
		dispatcher:  uithread.Inline{},
		document:    defaultDocument,
		endpoint:    defaultEndpoint,
		guestTopics: "*",
		guestLimit:  rate.Inf,
		codec:       bus.JSONCodec{},
	}
}

// WithLogger sets the logger for the bridge.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records dropped guest frames on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *config) { c.metrics = rec }
}

// WithDispatcher sets the UI thread. Frames from hosted content and calls to
// Bridge.Post are published from it, so host handlers run there. It should
// be the dispatcher the supervisor posts notifications to.
func WithDispatcher(d uithread.Dispatcher) Option {
	return func(c *config) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// WithCapabilities injects facts about the hosting environment.
func WithCapabilities(caps Capabilities) Option {
	return func(c *config) { c.caps = caps }
}

// WithLabel sets the label of the runtime handle the bridge creates.
func WithLabel(label string) Option {
	return func(c *config) { c.label = label }
}

// WithHostDocument sets the document navigated to after each mount.
func WithHostDocument(path string) Option {
	return func(c *config) {
		if path != "" {
			c.document = path
		}
	}
}

// WithTargetEndpoint sets the endpoint named on the fallback page.
func WithTargetEndpoint(endpoint string) Option {
	return func(c *config) { c.endpoint = endpoint }
}

// WithInitTimeout overrides the supervisor's init timeout for this bridge's
// runtime.
func WithInitTimeout(d time.Duration) Option {
	return func(c *config) { c.initTimeout = d }
}

// WithHostHandler subscribes handler to topic on the runtime's bus once the
// runtime is ready. The subscription ends when the bridge closes.
func WithHostHandler(topic string, handler bus.Handler) Option {
	return func(c *config) {
		c.hostHandlers = append(c.hostHandlers, hostHandler{topic: topic, handler: handler})
	}
}

// WithGuestTopics sets the pattern of host messages forwarded into hosted
// content. The default forwards every host message.
func WithGuestTopics(pattern string) Option {
	return func(c *config) {
		if pattern != "" {
			c.guestTopics = pattern
		}
	}
}

// WithGuestRateLimit bounds frames accepted from hosted content. A
// non-positive limit disables the bound.
func WithGuestRateLimit(limit rate.Limit, burst int) Option {
	return func(c *config) {
		if limit <= 0 {
			c.guestLimit = rate.Inf
			return
		}
		c.guestLimit = limit
		c.guestBurst = max(burst, 1)
	}
}

// WithCodec sets the codec used at the serialization boundary.
func WithCodec(codec bus.Codec) Option {
	return func(c *config) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithTap subscribes handler to every topic on the runtime's bus as soon as
// the runtime is created, so it sees the lifecycle messages of
// initialization. Unlike host handlers it is not deferred until ready.
func WithTap(handler bus.Handler) Option {
	return func(c *config) {
		c.tap = handler
	}
}
