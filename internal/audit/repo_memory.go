package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository. When max is positive the
// oldest events are dropped once it is reached.
type MemoryRepo struct {
	mu     sync.Mutex
	max    int
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

// NewBoundedMemoryRepo keeps at most max events.
func NewBoundedMemoryRepo(limit int) *MemoryRepo { return &MemoryRepo{max: limit} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.max > 0 && len(r.events) > r.max {
		r.events = append([]Event(nil), r.events[len(r.events)-r.max:]...)
	}
	return nil
}

func (r *MemoryRepo) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
