package calls

import (
	"time"

	"call-bridge/internal/media"
)

// State is a call's position in its lifecycle.
//
// Ringing -> Answering -> Active -> Terminating -> Closed, with Declined and
// Voicemail as alternative terminal states.
type State string

const (
	StateRinging     State = "ringing"
	StateAnswering   State = "answering"
	StateActive      State = "active"
	StateTerminating State = "terminating"
	StateClosed      State = "closed"
	StateDeclined    State = "declined"
	StateVoicemail   State = "voicemail"
)

var transitions = map[State][]State{
	StateRinging:     {StateAnswering, StateDeclined},
	StateAnswering:   {StateActive, StateVoicemail, StateDeclined},
	StateActive:      {StateTerminating},
	StateTerminating: {StateClosed},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateDeclined || s == StateVoicemail
}

// Live reports whether a call in this state belongs in the registry.
func (s State) Live() bool {
	return s == StateRinging || s == StateAnswering || s == StateActive
}

// Summary is a read-only snapshot of one call.
type Summary struct {
	CallID    string `json:"call_id"`
	SessionID string `json:"session_id"`
	PartyID   string `json:"party_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	State     State  `json:"state"`
	Degraded  bool   `json:"degraded"`

	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`

	Codec string            `json:"codec,omitempty"`
	Stats media.StatsReport `json:"stats,omitempty"`
}

// CallRecord is the persisted history row of a call.
type CallRecord struct {
	CallID     string     `json:"call_id" db:"call_id"`
	SessionID  string     `json:"session_id" db:"session_id"`
	From       string     `json:"from" db:"from_party"`
	To         string     `json:"to" db:"to_party"`
	State      State      `json:"state" db:"state"`
	Degraded   bool       `json:"degraded" db:"degraded"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EndReason  string     `json:"end_reason,omitempty" db:"end_reason"`
}

// Metrics are lifetime counters since process start.
type Metrics struct {
	Total     uint64 `json:"total"`
	Answered  uint64 `json:"answered"`
	Declined  uint64 `json:"declined"`
	Voicemail uint64 `json:"voicemail"`
	Completed uint64 `json:"completed"`
	Degraded  uint64 `json:"degraded"`
}
