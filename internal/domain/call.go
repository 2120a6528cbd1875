package domain

import (
	"fmt"
	"time"
)

// Role is which side of the call this agent plays
type Role string

const (
	RoleInitiator Role = "INITIATOR"
	RoleResponder Role = "RESPONDER"
)

// MediaKind is fixed when a call is created
type MediaKind string

const (
	MediaAudio MediaKind = "AUDIO"
	MediaVideo MediaKind = "VIDEO"
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// HasVideo reports whether the call carries a camera track
func (k MediaKind) HasVideo() bool {
	return k == MediaVideo
}

// ParseMediaKind accepts the wire and API spellings ("audio", "VIDEO")
func ParseMediaKind(s string) (MediaKind, error) {
	switch s {
	case "AUDIO", "audio":
		return MediaAudio, nil
	case "VIDEO", "video":
		return MediaVideo, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// CallStatus is the lifecycle status reported to the UI and external collaborators
type CallStatus string

const (
	StatusRinging     CallStatus = "RINGING"
	StatusNegotiating CallStatus = "NEGOTIATING"
	StatusActive      CallStatus = "ACTIVE"
	StatusEnded       CallStatus = "ENDED"
	StatusMissed      CallStatus = "MISSED"
	StatusDeclined    CallStatus = "DECLINED"
	StatusFailed      CallStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusDeclined, StatusFailed:
		return true
	}
	return false
}

var statusTransitions = map[CallStatus][]CallStatus{
	StatusRinging:     {StatusNegotiating, StatusEnded, StatusMissed, StatusDeclined, StatusFailed},
	StatusNegotiating: {StatusActive, StatusEnded, StatusFailed},
	StatusActive:      {StatusEnded, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
// Statuses only move forward; terminal statuses are final.
func CanTransition(from, to CallStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EndReason explains why a call reached its terminal status
type EndReason string

const (
	ReasonLocalHangup           EndReason = "local_hangup"
	ReasonRemoteHangup          EndReason = "remote_hangup"
	ReasonRemoteCanceled        EndReason = "remote_canceled"
	ReasonRingTimeout           EndReason = "ring_timeout"
	ReasonRejected              EndReason = "rejected"
	ReasonRemoteRejected        EndReason = "remote_rejected"
	ReasonBusy                  EndReason = "busy"
	ReasonMediaDenied           EndReason = "media_denied"
	ReasonNegotiationFailed     EndReason = "negotiation_failed"
	ReasonConnectionLost        EndReason = "connection_lost"
	ReasonTransportDisconnected EndReason = "transport_disconnected"
	ReasonUndeliverable         EndReason = "undeliverable"
	ReasonGlare                 EndReason = "glare"
	ReasonShutdown              EndReason = "shutdown"
)

// Call is one attempt to talk to a remote peer. A Call is created on startOutgoing
// or on an incoming call:initiate and lives until it reaches a terminal status.
type Call struct {
	CallID       string     `json:"call_id"`
	ChatID       string     `json:"chat_id"`
	Role         Role       `json:"role"`
	MediaKind    MediaKind  `json:"media_kind"`
	Status       CallStatus `json:"status"`
	RemotePeerID string     `json:"remote_peer_id"`
	CreatedAt    time.Time  `json:"created_at"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    EndReason  `json:"end_reason,omitempty"`
}

// Transition moves the call to status, stamping AnsweredAt/EndedAt as needed
func (c *Call) Transition(to CallStatus, reason EndReason, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("illegal call status transition %s -> %s", c.Status, to)
	}
	if to == StatusNegotiating && c.AnsweredAt == nil {
		c.AnsweredAt = &now
	}
	if to.IsTerminal() {
		c.EndedAt = &now
		c.EndReason = reason
	}
	c.Status = to
	return nil
}

// Answered reports whether the call got past ringing
func (c *Call) Answered() bool {
	return c.AnsweredAt != nil
}

// Duration is the answered time, zero if never answered
func (c *Call) Duration() time.Duration {
	if c.AnsweredAt == nil {
		return 0
	}
	end := time.Now()
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	return end.Sub(*c.AnsweredAt)
}
