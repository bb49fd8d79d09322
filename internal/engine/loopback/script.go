package loopback

import (
	"context"
	"encoding/json"

	"github.com/dreamine/hybridhost/internal/bus"
)

// Reply sends a message from guest code back to the host.
type Reply func(topic string, payload any) error

// GuestScript handles one frame delivered into the guest context. It runs on
// the engine's event loop; frames are processed one at a time in arrival
// order.
type GuestScript func(ctx context.Context, frame bus.Frame, reply Reply) error

// Ack is the payload of EchoScript replies.
type Ack struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EchoScript acknowledges every frame whose topic is not itself an
// acknowledgement, replying on topic.
func EchoScript(topic string) GuestScript {
	return func(_ context.Context, frame bus.Frame, reply Reply) error {
		if frame.Topic == topic {
			return nil
		}
		return reply(topic, Ack{Topic: frame.Topic, Seq: frame.Seq, Payload: frame.Payload})
	}
}
