package bus

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/metrics"
)

// Sentinel errors returned by bus operations.
var (
	// ErrClosed is returned by Publish and Subscribe once the bus is closed.
	ErrClosed = errors.New("message bus is closed")

	// ErrInvalidTopic is returned for empty topics and malformed patterns.
	ErrInvalidTopic = errors.New("invalid topic")
)

// matchAll is the subscription topic that receives every message.
const matchAll = "*"

// Handler handles a delivered message. A returned error is reported as a
// DeliveryError and does not affect other handlers.
type Handler func(Message) error

// DeliveryError describes a handler that failed for one message.
type DeliveryError struct {
	Message        Message
	SubscriptionID uint64
	Pattern        string
	Err            error
	Panicked       bool
}

func (e *DeliveryError) Error() string {
	kind := "failed"
	if e.Panicked {
		kind = "panicked"
	}
	return fmt.Sprintf("handler %d (%s) %s on %s#%d: %v",
		e.SubscriptionID, e.Pattern, kind, e.Message.Topic, e.Message.Seq, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrorReporter receives every DeliveryError after it has been logged.
type ErrorReporter func(*DeliveryError)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithErrorReporter sets a callback invoked for each failed delivery.
func WithErrorReporter(r ErrorReporter) Option {
	return func(b *Bus) { b.reporter = r }
}

// WithMetrics records publishes and handler failures on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(b *Bus) { b.metrics = rec }
}

// Subscription is a registered handler. It is returned by Subscribe and
// stays valid until Unsubscribe or Close.
type Subscription struct {
	id      uint64
	topic   string
	matcher glob.Glob // nil for exact topics
	handler Handler
	bus     *Bus
	active  atomic.Bool
}

// ID returns the subscription's identifier, unique within its bus.
func (s *Subscription) ID() uint64 { return s.id }

// Topic returns the topic or pattern the subscription was registered with.
func (s *Subscription) Topic() string { return s.topic }

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool { return s.active.Load() }

// Unsubscribe removes the subscription from its bus. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) matches(topic string) bool {
	switch {
	case s.topic == matchAll:
		return true
	case s.matcher != nil:
		return s.matcher.Match(topic)
	default:
		return s.topic == topic
	}
}

// delivery is one published message together with the subscriptions that
// were registered when its sequence number was assigned.
type delivery struct {
	msg  Message
	subs []*Subscription
}

// Bus is a sequenced, synchronous publish/subscribe dispatcher.
// It is safe for concurrent use.
type Bus struct {
	logger   *logging.Logger
	reporter ErrorReporter
	metrics  *metrics.Recorder

	mu       sync.Mutex
	subs     []*Subscription // registration order
	seq      uint64
	nextID   uint64
	closed   bool
	queue    []delivery
	draining bool
}

// New creates an open bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("bus")
	return b
}

// Subscribe registers handler for topic, which may be a glob pattern.
// The subscription only receives messages published after this call.
func (b *Bus) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler for %q", ErrInvalidTopic, topic)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}

	sub := &Subscription{topic: topic, handler: handler, bus: b}
	if topic != matchAll && isPattern(topic) {
		m, err := glob.Compile(topic, '.')
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTopic, topic, err)
		}
		sub.matcher = m
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub.id = b.nextID
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub, nil
}

// isPattern reports whether topic uses glob syntax.
func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "*?[{")
}

// Unsubscribe removes sub. A delivery to sub that has already started runs
// to completion; queued deliveries are skipped. Returns false if sub was not
// registered on this bus (including when it was already removed).
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil || sub.bus != b {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub.active.Store(false)
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish assigns the next sequence number to a message and delivers it to
// the subscriptions currently matching topic, in subscription order.
// Handler failures are reported, never returned.
//
// Only one goroutine delivers at a time. If another goroutine is already
// delivering, the message is queued behind the ones in flight and Publish
// returns before its handlers have run; that goroutine delivers it. Callers
// that need delivery on a particular goroutine must publish from it and
// nowhere else. Each subscriber still sees messages in sequence order.
func (b *Bus) Publish(topic string, payload any, origin Origin) (uint64, error) {
	if topic == "" {
		return 0, fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}

	b.seq++
	msg := Message{
		Topic:   topic,
		Payload: payload,
		Origin:  origin,
		Seq:     b.seq,
		Time:    time.Now(),
	}

	var matched []*Subscription
	for _, s := range b.subs {
		if s.matches(topic) {
			matched = append(matched, s)
		}
	}
	b.queue = append(b.queue, delivery{msg: msg, subs: matched})

	if b.draining {
		b.mu.Unlock()
		b.metrics.MessagePublished(origin.String())
		return msg.Seq, nil
	}
	b.draining = true
	b.mu.Unlock()

	b.metrics.MessagePublished(origin.String())
	b.drain()
	return msg.Seq, nil
}

// drain delivers queued messages until the queue is empty. Only one
// goroutine drains at a time.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		for _, sub := range d.subs {
			if !sub.active.Load() {
				continue
			}
			b.deliver(sub, d.msg)
		}
	}
}

// deliver runs one handler, converting errors and panics into reports.
func (b *Bus) deliver(sub *Subscription, msg Message) {
	var derr *DeliveryError
	func() {
		defer func() {
			if r := recover(); r != nil {
				derr = &DeliveryError{
					Message:        msg,
					SubscriptionID: sub.id,
					Pattern:        sub.topic,
					Err:            fmt.Errorf("panic: %v", r),
					Panicked:       true,
				}
				b.logger.Error("message handler panicked",
					"topic", msg.Topic,
					"seq", msg.Seq,
					"subscription", sub.id,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
		}()
		if err := sub.handler(msg); err != nil {
			derr = &DeliveryError{
				Message:        msg,
				SubscriptionID: sub.id,
				Pattern:        sub.topic,
				Err:            err,
			}
			b.logger.Warn("message handler failed",
				"topic", msg.Topic,
				"seq", msg.Seq,
				"subscription", sub.id,
				"error", err.Error())
		}
	}()

	if derr == nil {
		return
	}
	b.metrics.HandlerFailed(msg.Topic)
	if b.reporter != nil {
		b.reporter(derr)
	}
}

// Close deactivates every subscription and rejects further use of the bus.
// Queued deliveries that have not started are dropped. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.active.Store(false)
	}
	b.subs = nil
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// LastSeq returns the most recently assigned sequence number (0 if none).
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
