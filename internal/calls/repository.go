package calls

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrRecordNotFound = errors.New("calls: record not found")

// Repository persists call history. Save is an upsert keyed by call id.
type Repository interface {
	Save(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, callID string) (CallRecord, error)
	List(ctx context.Context, limit int) ([]CallRecord, error)
}

// MemoryRepo keeps call records in process. It is the default when no
// database is configured.
type MemoryRepo struct {
	mu      sync.Mutex
	max     int
	records map[string]CallRecord
	order   []string
}

// NewMemoryRepo keeps at most max records; zero means unbounded.
func NewMemoryRepo(max int) *MemoryRepo {
	return &MemoryRepo{max: max, records: make(map[string]CallRecord)}
}

func (r *MemoryRepo) Save(ctx context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.records[rec.CallID]; ok {
		if prev.State.Terminal() && !rec.State.Terminal() {
			return nil
		}
	} else {
		r.order = append(r.order, rec.CallID)
	}
	r.records[rec.CallID] = rec

	if r.max > 0 && len(r.order) > r.max {
		drop := r.order[:len(r.order)-r.max]
		for _, id := range drop {
			delete(r.records, id)
		}
		r.order = append([]string(nil), r.order[len(drop):]...)
	}
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return CallRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

// List returns the most recent records first.
func (r *MemoryRepo) List(ctx context.Context, limit int) ([]CallRecord, error) {
	r.mu.Lock()
	out := make([]CallRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
