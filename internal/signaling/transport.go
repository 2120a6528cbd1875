// Package signaling carries named call events between two peers through an
// external relay. The relay only routes envelopes by peer id; it never looks
// inside payloads and never carries media.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"peercall/pkg/errors"
)

// Transport is the narrow surface the call core needs from the relay.
//
// Events from a single sender are delivered in the order they were sent.
// Send fails with a TRANSPORT_DISCONNECTED AppError while the relay link is down.
type Transport interface {
	Send(ctx context.Context, to string, event Event, payload any) error
	// Subscribe returns inbound envelopes and a cancel func that stops delivery
	Subscribe() (<-chan *Envelope, func())
	// OnConnectionChange registers a handler for connect / disconnect notifications
	OnConnectionChange(func(connected bool))
	// LocalID is the peer id the relay knows this side by
	LocalID() string
}

// Envelope is one routed event on the wire
type Envelope struct {
	Event   Event           `json:"event"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope addressed to "to"
func NewEnvelope(from, to string, event Event, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return &Envelope{Event: event, From: from, To: to, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into T.
// Malformed JSON yields a MALFORMED_SIGNAL AppError.
func DecodePayload[T any](env *Envelope) (T, error) {
	var v T
	if env == nil || len(env.Payload) == 0 {
		return v, errors.MalformedSignalError(string(eventOf(env)), fmt.Errorf("empty payload"))
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, errors.MalformedSignalError(string(env.Event), err)
	}
	return v, nil
}

// CallIDOf extracts the callId every call and webrtc payload carries.
// It returns "" when the payload has none.
func CallIDOf(env *Envelope) string {
	if env == nil || len(env.Payload) == 0 {
		return ""
	}
	var ref struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(env.Payload, &ref); err != nil {
		return ""
	}
	return ref.CallID
}

func eventOf(env *Envelope) Event {
	if env == nil {
		return ""
	}
	return env.Event
}
