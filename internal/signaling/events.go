package signaling

import (
	"github.com/pion/webrtc/v4"

	"peercall/internal/domain"
)

// Event names a signaling message
type Event string

const (
	EventCallInitiate Event = "call:initiate"
	EventCallAnswer   Event = "call:answer"
	EventCallReject   Event = "call:reject"
	EventCallEnd      Event = "call:end"
	EventCallCancel   Event = "call:cancel"

	EventOffer        Event = "webrtc:offer"
	EventAnswer       Event = "webrtc:answer"
	EventICECandidate Event = "webrtc:ice-candidate"

	// Sent by the relay back to the sender when the recipient is not connected
	EventUndeliverable Event = "signal:undeliverable"
)

// Valid reports whether e is an event peers may send to each other
func (e Event) Valid() bool {
	switch e {
	case EventCallInitiate, EventCallAnswer, EventCallReject, EventCallEnd, EventCallCancel,
		EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// InitiatePayload announces a new call to the callee
type InitiatePayload struct {
	CallID    string           `json:"callId"`
	ChatID    string           `json:"chatId"`
	MediaKind domain.MediaKind `json:"mediaKind"`
}

// CallRefPayload is the payload of call:answer, call:end and call:cancel
type CallRefPayload struct {
	CallID string `json:"callId"`
}

// RejectPayload is the payload of call:reject
type RejectPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// Reject reasons
const (
	RejectDeclined    = "declined"
	RejectBusy        = "busy"
	RejectMediaDenied = "media_denied"
)

// OfferPayload carries the initiator's SDP offer
type OfferPayload struct {
	CallID string                    `json:"callId"`
	To     string                    `json:"to"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

// AnswerPayload carries the responder's SDP answer
type AnswerPayload struct {
	CallID string                    `json:"callId"`
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// ICECandidatePayload carries one trickled candidate
type ICECandidatePayload struct {
	CallID    string                  `json:"callId"`
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// UndeliverablePayload tells a sender that an event never reached its recipient
type UndeliverablePayload struct {
	To     string `json:"to"`
	Event  Event  `json:"event"`
	CallID string `json:"callId,omitempty"`
}
