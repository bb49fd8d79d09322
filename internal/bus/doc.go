// Package bus provides the per-runtime message bus shared by native host
// code and hosted web content.
//
// Every embedded runtime owns exactly one [Bus]. Both sides publish typed
// messages on string topics; the bus stamps each message with a sequence
// number that is strictly increasing for the lifetime of the bus and
// delivers it synchronously to the subscriptions registered at that moment.
//
// # Main Types
//
//   - [Bus]: sequenced publish/subscribe dispatcher
//   - [Message]: envelope with topic, payload, origin and sequence number
//   - [Subscription]: handle returned by [Bus.Subscribe]; Unsubscribe is idempotent
//   - [Codec] / [JSONCodec]: wire form for messages crossing into hosted content
//   - [DeliveryError]: a handler failure, reported but never propagated
//
// # Delivery Rules
//
//   - Handlers run in subscription order.
//   - A subscription never sees a message whose sequence number was assigned
//     before it was registered.
//   - A handler that returns an error or panics does not stop delivery to the
//     handlers after it.
//   - Delivery is serialized per bus. A Publish issued while a delivery is in
//     progress (from inside a handler, or from another goroutine) is queued
//     and delivered by the goroutine already draining, after the current
//     message. Per-topic FIFO therefore holds for every subscriber.
//
// # Topics
//
// Topics are dot separated ("runtime.ready", "ui.counter.changed"). A
// subscription topic may be a glob: "runtime.*" matches one segment,
// "ui.**" any number, and the lone "*" matches every topic.
//
// # Basic Usage
//
//	b := bus.New(bus.WithLogger(logger))
//
//	sub, err := b.Subscribe("ping", func(m bus.Message) error {
//	    _, err := b.Publish("pong", m.Payload, bus.OriginHost)
//	    return err
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
//	seq, err := b.Publish("ping", map[string]int{"n": 1}, bus.OriginHost)
package bus
