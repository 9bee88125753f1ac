// Package envelope defines the wire format carried over the shared Redis
// channel. An envelope wraps an opaque payload with the routing metadata the
// relay needs: message kind, origin node identity, and (for directed
// messages) the target node name.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the closed set of message variants. Adding a kind requires a new
// constant here plus an explicit case in every switch over Kind — the relay's
// handlers switch exhaustively and reject anything else.
type Kind string

const (
	// KindBroadcast is a fan-out message for every node's local subscribers.
	KindBroadcast Kind = "broadcast"
	// KindDirectBroadcast is delivered only on the node whose name matches
	// the envelope's target; all other relays drop it.
	KindDirectBroadcast Kind = "direct_broadcast"
	// KindNodeName announces a node's identity-to-name mapping at startup.
	KindNodeName Kind = "node_name"
)

// ErrUnknownKind is returned when decoding an envelope whose kind is not one
// of the declared variants.
var ErrUnknownKind = fmt.Errorf("envelope: unknown message kind")

// Envelope is the unit transmitted over Redis. Origin is always present;
// Target is set only for direct broadcasts, Node only for node_name
// announcements. Payload round-trips byte-for-byte (JSON base64-encodes it on
// the wire). Fastlane is an opaque delivery hint carried unchanged from the
// publish call to the registry delivery call.
type Envelope struct {
	Kind     Kind            `json:"kind"`
	Origin   uuid.UUID       `json:"origin"`
	Target   string          `json:"target,omitempty"`
	Node     string          `json:"node,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Payload  []byte          `json:"payload,omitempty"`
	Fastlane json.RawMessage `json:"fastlane,omitempty"`
}

// Broadcast builds a fan-out envelope.
func Broadcast(origin uuid.UUID, topic string, payload []byte) Envelope {
	return Envelope{Kind: KindBroadcast, Origin: origin, Topic: topic, Payload: payload}
}

// DirectBroadcast builds an envelope addressed to a single node by name.
func DirectBroadcast(origin uuid.UUID, target, topic string, payload []byte) Envelope {
	return Envelope{Kind: KindDirectBroadcast, Origin: origin, Target: target, Topic: topic, Payload: payload}
}

// NodeName builds a startup announcement mapping origin identity to a node name.
func NodeName(origin uuid.UUID, node string) Envelope {
	return Envelope{Kind: KindNodeName, Origin: origin, Node: node}
}

// Encode serializes the envelope for transmission.
func Encode(e Envelope) ([]byte, error) {
	if err := validateKind(e.Kind); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses bytes received from the channel. Corrupt input or an
// undeclared kind is an error; callers drop such messages.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := validateKind(e.Kind); err != nil {
		return Envelope{}, err
	}
	if e.Origin == uuid.Nil {
		return Envelope{}, fmt.Errorf("decode envelope: missing origin")
	}
	return e, nil
}

func validateKind(k Kind) error {
	switch k {
	case KindBroadcast, KindDirectBroadcast, KindNodeName:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}
