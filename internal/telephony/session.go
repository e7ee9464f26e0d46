package telephony

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SessionEvent is a call-control notification describing one telephony session
// on the platform. It is provider-agnostic: adapters translate platform payloads
// into this shape before anything else looks at them.
type SessionEvent struct {
	SessionID string  `json:"session_id"`
	Parties   []Party `json:"parties"`

	// SDP carries the remote offer when the platform delivers one with the invitation.
	SDP string `json:"sdp,omitempty"`

	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

type Party struct {
	ID        string     `json:"id"`
	Direction Direction  `json:"direction"`
	Status    StatusCode `json:"status"`

	From Endpoint `json:"from"`
	To   Endpoint `json:"to"`

	// Reason is set by the platform on Disconnected/Voicemail statuses.
	Reason string `json:"reason,omitempty"`
}

type Endpoint struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	Name        string `json:"name,omitempty"`
	ExtensionID string `json:"extension_id,omitempty"`
}

// String returns the most specific identifier available.
func (e Endpoint) String() string {
	switch {
	case e.PhoneNumber != "":
		return e.PhoneNumber
	case e.ExtensionID != "":
		return e.ExtensionID
	case e.Name != "":
		return e.Name
	default:
		return "anonymous"
	}
}

type Direction string

const (
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

type StatusCode string

const (
	StatusSetup        StatusCode = "Setup"
	StatusProceeding   StatusCode = "Proceeding"
	StatusAlerting     StatusCode = "Alerting"
	StatusAnswered     StatusCode = "Answered"
	StatusHold         StatusCode = "Hold"
	StatusVoicemail    StatusCode = "Voicemail"
	StatusDisconnected StatusCode = "Disconnected"
	StatusGone         StatusCode = "Gone"
)

// Early reports whether the party is still being offered the call.
func (s StatusCode) Early() bool {
	switch s {
	case StatusSetup, StatusProceeding, StatusAlerting:
		return true
	default:
		return false
	}
}

// Ended reports whether the party has left the session.
func (s StatusCode) Ended() bool {
	switch s {
	case StatusDisconnected, StatusGone, StatusVoicemail:
		return true
	default:
		return false
	}
}

var ErrInvalidSessionEvent = errors.New("telephony: invalid session event")

// ParseSessionEvent decodes and normalizes a notification body.
func ParseSessionEvent(raw []byte) (SessionEvent, error) {
	var ev SessionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return SessionEvent{}, errors.Join(ErrInvalidSessionEvent, err)
	}
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if ev.SessionID == "" {
		return SessionEvent{}, ErrInvalidSessionEvent
	}
	for i := range ev.Parties {
		ev.Parties[i].Direction = normalizeDirection(ev.Parties[i].Direction)
		ev.Parties[i].Status = normalizeStatus(ev.Parties[i].Status)
	}
	return ev, nil
}

// InboundInvite returns the first inbound party still in an early status.
// Only such parties are actionable as new calls.
func (ev SessionEvent) InboundInvite() (Party, bool) {
	for _, p := range ev.Parties {
		if p.Direction == DirectionInbound && p.Status.Early() {
			return p, true
		}
	}
	return Party{}, false
}

// Ended reports whether every party has left. A session with no parties is not ended.
func (ev SessionEvent) Ended() bool {
	if len(ev.Parties) == 0 {
		return false
	}
	for _, p := range ev.Parties {
		if !p.Status.Ended() {
			return false
		}
	}
	return true
}

// EndReason returns the first reason reported by an ended party.
func (ev SessionEvent) EndReason() string {
	for _, p := range ev.Parties {
		if p.Status.Ended() && p.Reason != "" {
			return p.Reason
		}
	}
	return string(StatusDisconnected)
}

func normalizeDirection(d Direction) Direction {
	switch strings.ToLower(strings.TrimSpace(string(d))) {
	case "inbound":
		return DirectionInbound
	case "outbound":
		return DirectionOutbound
	default:
		return d
	}
}

func normalizeStatus(s StatusCode) StatusCode {
	for _, known := range []StatusCode{
		StatusSetup, StatusProceeding, StatusAlerting, StatusAnswered,
		StatusHold, StatusVoicemail, StatusDisconnected, StatusGone,
	} {
		if strings.EqualFold(strings.TrimSpace(string(s)), string(known)) {
			return known
		}
	}
	return s
}
