package audit

import "time"

// Event is an immutable, append-only audit record.
//
// Invariants:
// - Events are never updated or deleted.
// - Writes are best-effort; call handling never blocks on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	CallID    string `json:"call_id,omitempty" db:"call_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	// FromState/ToState are set for call transitions.
	FromState string `json:"from_state,omitempty" db:"from_state"`
	ToState   string `json:"to_state,omitempty" db:"to_state"`

	// ActorUserID is the operator behind an operator action.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	// Message is a short human-readable description for ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallTransition EventType = "call_transition"
	EventTypeOperatorAction EventType = "operator_action"
	EventTypeRegistration   EventType = "registration"
)
