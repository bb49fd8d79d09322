package bus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotWireRepresentable is returned when a payload cannot be encoded in
// the wire form shared with hosted content.
var ErrNotWireRepresentable = errors.New("payload is not wire representable")

// Frame is the wire form of a message crossing the host/guest boundary.
//
//	{"topic":"ui.clicked","seq":12,"origin":"guest","payload":{"id":"save"}}
//
// Seq is informational on inbound frames; the receiving bus assigns its own.
type Frame struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq,omitempty"`
	Origin  Origin          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec converts between messages and encoded frames.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

// JSONCodec is the default Codec. Payloads are marshaled with encoding/json;
// payloads that already are json.RawMessage pass through untouched.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	var raw json.RawMessage
	switch p := msg.Payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotWireRepresentable, msg.Topic, err)
		}
		raw = data
	}

	frame := Frame{Topic: msg.Topic, Seq: msg.Seq, Origin: msg.Origin, Payload: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotWireRepresentable, msg.Topic, err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Topic == "" {
		return Frame{}, fmt.Errorf("decode frame: %w: empty topic", ErrInvalidTopic)
	}
	if f.Origin == 0 {
		f.Origin = OriginGuest
	}
	return f, nil
}
