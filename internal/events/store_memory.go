package events

import (
	"context"
	"sync"
)

// MemoryStore is a simple in-memory append-only event log used for tests and
// as the replay target when rebuilding projections. Not for production use.
type MemoryStore struct {
	mu     sync.Mutex
	events []WebhookEvent
	seen   map[string]struct{} // call_id|dedupe_key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: map[string]struct{}{}}
}

func (s *MemoryStore) Append(ctx context.Context, e WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.CallID + "|" + e.DedupeKey
	if _, ok := s.seen[key]; ok {
		return ErrDuplicate
	}
	s.seen[key] = struct{}{}
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) Seen(ctx context.Context, callID, dedupeKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[callID+"|"+dedupeKey]
	return ok, nil
}

func (s *MemoryStore) ListByCall(ctx context.Context, callID string) ([]WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebhookEvent
	for _, e := range s.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WebhookEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}
