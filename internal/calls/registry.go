package calls

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrCapacityExceeded = errors.New("calls: capacity exceeded")
	ErrDuplicateSession = errors.New("calls: session already has a call")
)

// Registry holds the live calls. Its size never exceeds max; every mutation
// goes through mu.
type Registry struct {
	mu        sync.Mutex
	max       int
	calls     map[string]*CallSession
	bySession map[string]string
}

func NewRegistry(max int) *Registry {
	return &Registry{
		max:       max,
		calls:     make(map[string]*CallSession),
		bySession: make(map[string]string),
	}
}

// TryAdd inserts c if there is room and its session has no call yet.
func (r *Registry) TryAdd(c *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySession[c.SessionID]; ok {
		return ErrDuplicateSession
	}
	if len(r.calls) >= r.max {
		return ErrCapacityExceeded
	}
	r.calls[c.ID] = c
	r.bySession[c.SessionID] = c.ID
	return nil
}

// Remove reports whether callID was present.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return false
	}
	delete(r.calls, callID)
	if r.bySession[c.SessionID] == callID {
		delete(r.bySession, c.SessionID)
	}
	return true
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

func (r *Registry) BySession(sessionID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return r.calls[id], true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) Cap() int { return r.max }

// List returns the live calls, oldest first.
func (r *Registry) List() []*CallSession {
	r.mu.Lock()
	out := make([]*CallSession, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}
