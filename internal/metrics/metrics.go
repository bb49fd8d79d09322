// Package metrics exposes Prometheus collectors for runtime lifecycle,
// message bus traffic and the guest channel.
//
// A nil *Recorder is valid and records nothing, so components take one as an
// optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hybridhost"

// Recorder owns one set of collectors registered on a single registerer.
type Recorder struct {
	transitions   *prometheus.CounterVec
	initDuration  *prometheus.HistogramVec
	busMessages   *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	guestDropped  *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors, which is useful in tests.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "transitions_total",
				Help:      "Lifecycle state transitions of embedded runtimes.",
			},
			[]string{"from", "to"},
		),
		initDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "init_duration_seconds",
				Help:      "Engine bring-up duration in seconds.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		busMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "messages_total",
				Help:      "Messages published on runtime message buses.",
			},
			[]string{"origin"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "handler_errors_total",
				Help:      "Subscriber handlers that returned an error or panicked.",
			},
			[]string{"topic"},
		),
		guestDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "guest_frames_dropped_total",
				Help:      "Frames from hosted content that were not published.",
			},
			[]string{"reason"},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			r.transitions, r.initDuration, r.busMessages, r.handlerErrors, r.guestDropped,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Transition counts a lifecycle transition.
func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// InitFinished observes how long an engine bring-up took.
// outcome is "ready", "timeout", "failed" or "cancelled".
func (r *Recorder) InitFinished(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.initDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// MessagePublished counts a bus message by origin.
func (r *Recorder) MessagePublished(origin string) {
	if r == nil {
		return
	}
	r.busMessages.WithLabelValues(origin).Inc()
}

// HandlerFailed counts a failed delivery.
func (r *Recorder) HandlerFailed(topic string) {
	if r == nil {
		return
	}
	r.handlerErrors.WithLabelValues(topic).Inc()
}

// GuestFrameDropped counts an inbound guest frame that was discarded.
func (r *Recorder) GuestFrameDropped(reason string) {
	if r == nil {
		return
	}
	r.guestDropped.WithLabelValues(reason).Inc()
}
