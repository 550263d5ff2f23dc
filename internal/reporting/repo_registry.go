package reporting

import (
	"context"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/registry"
)

// RegistryRepo reads call snapshots from the registry store.
type RegistryRepo struct {
	store registry.Store
}

func NewRegistryRepo(store registry.Store) *RegistryRepo {
	return &RegistryRepo{store: store}
}

func (r *RegistryRepo) ListCalls(ctx context.Context, from, to time.Time, purpose string) ([]calls.Call, error) {
	rows, err := r.store.List(ctx, registry.Filter{Limit: 10000})
	if err != nil {
		return nil, err
	}
	out := make([]calls.Call, 0, len(rows))
	for _, c := range rows {
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		if purpose != "" && c.Purpose != purpose {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
