package registry

import (
	"context"
	"sort"
	"sync"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/events"
)

// MemoryStore is an in-memory Store for tests and replay targets.
// It shares the append-only event log semantics of the Postgres store.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]calls.Call
	byPCID map[string]string // provider_call_id -> call id
	order  []string          // insertion order of call ids

	log *events.MemoryStore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   map[string]calls.Call{},
		byPCID: map[string]string{},
		log:    events.NewMemoryStore(),
	}
}

// EventLog exposes the backing event store for replay assertions.
func (s *MemoryStore) EventLog() *events.MemoryStore { return s.log }

func (s *MemoryStore) GetByID(ctx context.Context, id string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return cloneCall(c), nil
}

func (s *MemoryStore) GetByProviderCallID(ctx context.Context, providerCallID string) (calls.Call, error) {
	if providerCallID == "" {
		return calls.Call{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPCID[providerCallID]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return cloneCall(s.byID[id]), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	// Most recent first, matching the Postgres ORDER BY created_at DESC.
	sort.SliceStable(ids, func(i, j int) bool {
		return s.byID[ids[i]].CreatedAt.After(s.byID[ids[j]].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []calls.Call
	for _, id := range ids {
		c := s.byID[id]
		if !matchFilter(c, f) {
			continue
		}
		out = append(out, cloneCall(c))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchFilter(c calls.Call, f Filter) bool {
	if f.ActiveOnly && !c.Status.Active() {
		return false
	}
	if f.Direction != "" && c.Direction != f.Direction {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if c.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *MemoryStore) CreateWithEvent(ctx context.Context, c calls.Call, e events.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return ErrInvalidArgument
	}
	if err := s.log.Append(ctx, e); err != nil {
		return err
	}
	s.byID[c.ID] = cloneCall(c)
	s.order = append(s.order, c.ID)
	if c.ProviderCallID != "" {
		s.byPCID[c.ProviderCallID] = c.ID
	}
	return nil
}

func (s *MemoryStore) SaveWithEvent(ctx context.Context, c calls.Call, note *calls.Note, e events.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		return ErrNotFound
	}
	if err := s.log.Append(ctx, e); err != nil {
		return err
	}
	s.byID[c.ID] = cloneCall(c)
	if c.ProviderCallID != "" {
		s.byPCID[c.ProviderCallID] = c.ID
	}
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e events.WebhookEvent) error {
	return s.log.Append(ctx, e)
}

func (s *MemoryStore) EventSeen(ctx context.Context, callID, dedupeKey string) (bool, error) {
	return s.log.Seen(ctx, callID, dedupeKey)
}

func cloneCall(c calls.Call) calls.Call {
	out := c
	if c.Notes != nil {
		out.Notes = make([]calls.Note, len(c.Notes))
		copy(out.Notes, c.Notes)
	}
	if c.Context != nil {
		out.Context = make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			out.Context[k] = v
		}
	}
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return out
}
