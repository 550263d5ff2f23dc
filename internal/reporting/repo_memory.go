package reporting

import (
	"context"
	"sync"
	"time"

	"call-orchestrator/internal/calls"
)

// MemoryRepo is a simple in-memory reporting repository for tests and early
// development.
type MemoryRepo struct {
	mu sync.Mutex

	Calls []calls.Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListCalls(ctx context.Context, from, to time.Time, purpose string) ([]calls.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if !c.CreatedAt.IsZero() {
			if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
				continue
			}
		}
		if purpose != "" && c.Purpose != purpose {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
