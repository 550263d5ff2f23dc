package registry

import (
	"context"
	"errors"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/events"
)

var (
	ErrNotFound        = errors.New("registry: call not found")
	ErrInvalidArgument = errors.New("registry: invalid argument")
)

// Filter narrows List results. Zero value lists the most recent calls.
type Filter struct {
	Statuses  []calls.CallStatus
	Direction calls.Direction

	// ActiveOnly restricts to non-terminal statuses, the dashboard's
	// active-calls view.
	ActiveOnly bool

	// Limit caps the result set; defaults to 100.
	Limit int
}

// Store is the persistence contract for call aggregates.
//
// Writes are event-carrying: every mutation persists the call projection and
// the event that produced it atomically, keeping the log authoritative. The
// registry service is the only caller of the write methods.
type Store interface {
	GetByID(ctx context.Context, id string) (calls.Call, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (calls.Call, error)
	List(ctx context.Context, f Filter) ([]calls.Call, error)

	// CreateWithEvent inserts a new call and its call_created event atomically.
	CreateWithEvent(ctx context.Context, c calls.Call, e events.WebhookEvent) error

	// SaveWithEvent persists the mutated call, an optional new note, and the
	// event that produced the mutation, atomically. The call row is locked
	// for the duration so concurrent writers on one call serialize.
	SaveWithEvent(ctx context.Context, c calls.Call, note *calls.Note, e events.WebhookEvent) error

	// AppendEvent records an event that produced no projection mutation:
	// post-terminal deliveries, stale provider statuses, unknown event
	// types. The entry still registers its dedupe key.
	AppendEvent(ctx context.Context, e events.WebhookEvent) error

	EventSeen(ctx context.Context, callID, dedupeKey string) (bool, error)
}
