package reporting

import (
	"context"
	"sync"
	"time"

	"call-bridge/internal/calls"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	Calls []calls.CallRecord
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListCalls(ctx context.Context, from, to time.Time) ([]calls.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return inRange(r.Calls, from, to), nil
}

// HistoryRepo reads call history through a calls.Repository. It scans at most
// Limit of the most recent records.
type HistoryRepo struct {
	History calls.Repository
	Limit   int
}

func (r HistoryRepo) ListCalls(ctx context.Context, from, to time.Time) ([]calls.CallRecord, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = 5000
	}
	recs, err := r.History.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return inRange(recs, from, to), nil
}

func inRange(recs []calls.CallRecord, from, to time.Time) []calls.CallRecord {
	out := make([]calls.CallRecord, 0, len(recs))
	for _, c := range recs {
		if c.StartedAt.Before(from) || !c.StartedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}
