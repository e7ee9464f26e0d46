package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service records call transitions and operator actions.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent      = errors.New("audit: invalid event")
	ErrRepoNotConfigured = errors.New("audit: repository not configured")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return ErrRepoNotConfigured
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type == EventTypeCallTransition && (e.CallID == "" || e.ToState == "") {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records one call state change.
func (s *Service) LogTransition(ctx context.Context, callID, sessionID, from, to, reason string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeCallTransition,
		CallID:    callID,
		SessionID: sessionID,
		FromState: from,
		ToState:   to,
		Message:   reason,
	})
}

// LogOperatorAction records an action taken through the status API.
func (s *Service) LogOperatorAction(ctx context.Context, actorUserID, callID, message string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeOperatorAction,
		ActorUserID: actorUserID,
		CallID:      callID,
		Message:     message,
	})
}

// LogRegistration records a registration lifecycle change of the endpoint.
func (s *Service) LogRegistration(ctx context.Context, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeRegistration,
		Message:  message,
		Metadata: metadata,
	})
}

// EventsForCall returns the call's events in append order.
func (s *Service) EventsForCall(ctx context.Context, callID string) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, ErrRepoNotConfigured
	}
	return s.repo.ListByCall(ctx, callID)
}
