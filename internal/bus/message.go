package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Origin identifies which side of the boundary published a message.
type Origin uint8

const (
	// OriginHost marks messages published by native host code.
	OriginHost Origin = iota + 1
	// OriginGuest marks messages published by hosted web content.
	OriginGuest
)

// String returns "host", "guest" or "unknown".
func (o Origin) String() string {
	switch o {
	case OriginHost:
		return "host"
	case OriginGuest:
		return "guest"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler for the wire form.
func (o Origin) MarshalText() ([]byte, error) {
	if o != OriginHost && o != OriginGuest {
		return nil, fmt.Errorf("invalid origin %d", o)
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for the wire form.
func (o *Origin) UnmarshalText(text []byte) error {
	switch string(text) {
	case "host":
		*o = OriginHost
	case "guest":
		*o = OriginGuest
	default:
		return fmt.Errorf("invalid origin %q", text)
	}
	return nil
}

// Message is the envelope delivered to handlers.
type Message struct {
	Topic string
	// Payload is whatever the publisher passed. Payloads that crossed the
	// boundary arrive as json.RawMessage; use Decode for either form.
	Payload any
	Origin  Origin
	// Seq is assigned at publish time and unique within one bus.
	Seq  uint64
	Time time.Time
}

// ErrPayloadType is returned by Decode when the payload cannot be turned
// into the requested type.
var ErrPayloadType = errors.New("payload type mismatch")

// Decode returns the payload as T. Same-side payloads are type-asserted;
// cross-boundary payloads (json.RawMessage or []byte) are unmarshaled.
func Decode[T any](msg Message) (T, error) {
	var zero T
	switch p := msg.Payload.(type) {
	case T:
		return p, nil
	case json.RawMessage:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return zero, fmt.Errorf("%w: %s: %v", ErrPayloadType, msg.Topic, err)
		}
		return v, nil
	case []byte:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return zero, fmt.Errorf("%w: %s: %v", ErrPayloadType, msg.Topic, err)
		}
		return v, nil
	case nil:
		return zero, nil
	default:
		return zero, fmt.Errorf("%w: %s carries %T", ErrPayloadType, msg.Topic, msg.Payload)
	}
}
