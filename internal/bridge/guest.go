package bridge

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dreamine/hybridhost/internal/bus"
	"github.com/dreamine/hybridhost/internal/logging"
	"github.com/dreamine/hybridhost/internal/metrics"
	"github.com/dreamine/hybridhost/internal/supervisor"
	"github.com/dreamine/hybridhost/internal/uithread"
)

var (
	// ErrRateLimited is returned when hosted content sends frames faster than
	// the configured limit.
	ErrRateLimited = errors.New("guest frame rate limit exceeded")

	// ErrForgedOrigin is returned for inbound frames that claim host origin.
	ErrForgedOrigin = errors.New("guest frame claims host origin")
)

// GuestChannel is the bridge object exposed to hosted content. Host
// messages matching its pattern are encoded and posted into the engine;
// frames coming back are decoded and published as guest messages.
//
// Posting into the engine is fire-and-forget: replies arrive later as
// separate frames through Receive.
type GuestChannel struct {
	runtime    Runtime
	handle     *supervisor.Handle
	dispatcher uithread.Dispatcher
	codec      bus.Codec
	limiter    *rate.Limiter
	metrics    *metrics.Recorder
	logger     *logging.Logger

	mu     sync.Mutex
	sub    *bus.Subscription
	closed bool
}

func newGuestChannel(rt Runtime, h *supervisor.Handle, cfg *config) *GuestChannel {
	return &GuestChannel{
		runtime:    rt,
		handle:     h,
		dispatcher: cfg.dispatcher,
		codec:      cfg.codec,
		limiter:    rate.NewLimiter(cfg.guestLimit, cfg.guestBurst),
		metrics:    cfg.metrics,
		logger:     cfg.logger.WithComponent("guest"),
	}
}

// open subscribes the channel to host messages matching pattern.
func (g *GuestChannel) open(pattern string) error {
	sub, err := g.handle.Bus().Subscribe(pattern, g.forward)
	if err != nil {
		return fmt.Errorf("subscribe guest channel to %q: %w", pattern, err)
	}
	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()
	return nil
}

// forward posts a host message into hosted content. Guest messages are not
// echoed back.
func (g *GuestChannel) forward(msg bus.Message) error {
	if msg.Origin != bus.OriginHost {
		return nil
	}
	frame, err := g.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := g.runtime.PostToGuest(g.handle, frame); err != nil {
		return fmt.Errorf("post %s to guest: %w", msg.Topic, err)
	}
	return nil
}

// Receive validates a frame sent by hosted content and posts it to the
// dispatcher, which publishes it as a guest message. Engines call Receive on
// their own goroutines; the frame's handlers run on the dispatcher's.
func (g *GuestChannel) Receive(data []byte) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		g.metrics.GuestFrameDropped("closed")
		return bus.ErrClosed
	}

	if !g.limiter.Allow() {
		g.metrics.GuestFrameDropped("rate_limited")
		return ErrRateLimited
	}

	frame, err := g.codec.Decode(data)
	if err != nil {
		g.metrics.GuestFrameDropped("decode")
		return err
	}
	if frame.Origin != bus.OriginGuest {
		g.metrics.GuestFrameDropped("origin")
		return fmt.Errorf("%w: %s", ErrForgedOrigin, frame.Topic)
	}

	var payload any
	if len(frame.Payload) > 0 {
		payload = frame.Payload
	}
	posted := g.dispatcher.Post(func() {
		seq, err := g.handle.Bus().Publish(frame.Topic, payload, bus.OriginGuest)
		if err != nil {
			if !errors.Is(err, bus.ErrClosed) {
				g.logger.Warn("publish guest frame failed", "topic", frame.Topic, "error", err)
			}
			return
		}
		g.logger.Debug("guest frame published", "topic", frame.Topic, "seq", seq)
	})
	if !posted {
		g.metrics.GuestFrameDropped("closed")
		return bus.ErrClosed
	}
	return nil
}

// Close stops forwarding and rejects further frames. It is idempotent.
func (g *GuestChannel) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	if g.sub != nil {
		g.sub.Unsubscribe()
	}
}
