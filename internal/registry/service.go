package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/events"

	"github.com/google/uuid"
)

// Service is the single mutation point for call aggregates. All webhook
// events and operator commands flow through it; everything else reads
// snapshots.
//
// Concurrency contract: mutations to a single call are serialized by a keyed
// mutex here plus a row lock in the Postgres store. Different calls mutate
// independently.
//
// Failure semantics: if persistence fails, no state is updated and the caller
// receives a retryable error; webhook ingestion then returns a 5xx so the
// provider redelivers.
type Service struct {
	store Store
	log   *slog.Logger

	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string

	// onTerminal fires after a call first reaches a terminal state, outside
	// the per-call critical section. Used to release concurrency slots.
	onTerminal func(ctx context.Context, c calls.Call)

	locks *keyedMutex
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		log:   log,
		clock: time.Now,
		newID: uuid.NewString,
		locks: newKeyedMutex(),
	}
}

// SetTerminalHook registers the terminal-transition callback. Must be called
// before the service starts receiving traffic.
func (s *Service) SetTerminalHook(fn func(ctx context.Context, c calls.Call)) {
	s.onTerminal = fn
}

// ApplyEventInput is a normalized webhook event plus the creation fields used
// when this is the first event seen for an unknown provider call.
type ApplyEventInput struct {
	// CallID resolves the target directly (outbound callbacks carry it).
	// When empty, the call is resolved by ProviderCallID.
	CallID string

	ProviderCallID string
	EventType      string

	// ProviderSeq is the provider's sequence number when it sends one; the
	// dedupe key falls back to a payload hash otherwise.
	ProviderSeq string
	Payload     json.RawMessage

	Input calls.EventInput

	// Creation fields for first-seen calls. Direction defaults to inbound,
	// the only way an unregistered provider call id legitimately appears.
	Direction calls.Direction
	Phone     string
	Email     string
}

// ApplyEvent applies one webhook event to its call, creating the call when
// the provider call id has never been seen (inbound calls legitimately arrive
// without prior registration). Duplicate deliveries are successful no-ops.
func (s *Service) ApplyEvent(ctx context.Context, in ApplyEventInput) (calls.Call, error) {
	if in.EventType == "" {
		return calls.Call{}, fmt.Errorf("%w: event_type required", ErrInvalidArgument)
	}
	if in.CallID == "" && in.ProviderCallID == "" {
		return calls.Call{}, fmt.Errorf("%w: provider_call_id required", ErrInvalidArgument)
	}

	var call calls.Call
	var err error
	if in.CallID != "" {
		unlock := s.locks.Lock("id:" + in.CallID)
		defer unlock()
		call, err = s.store.GetByID(ctx, in.CallID)
		if err != nil {
			return calls.Call{}, err
		}
	} else {
		// Resolve (or create) under the provider key, then serialize the
		// mutation under the call id like every other writer.
		unlock := s.locks.Lock("pcid:" + in.ProviderCallID)
		call, err = s.getOrCreateLocked(ctx, in)
		if err != nil {
			unlock()
			return calls.Call{}, err
		}
		idUnlock := s.locks.Lock("id:" + call.ID)
		unlock()
		defer idUnlock()
		// Re-read: another writer may have advanced the call between locks.
		call, err = s.store.GetByID(ctx, call.ID)
		if err != nil {
			return calls.Call{}, err
		}
	}

	return s.applyEventToCall(ctx, call, in)
}

// GetOrCreate returns the call for a provider call id, creating it in
// `initiated` if unseen. Idempotent.
func (s *Service) GetOrCreate(ctx context.Context, providerCallID string, direction calls.Direction) (calls.Call, error) {
	if providerCallID == "" {
		return calls.Call{}, fmt.Errorf("%w: provider_call_id required", ErrInvalidArgument)
	}
	if !direction.Valid() {
		return calls.Call{}, fmt.Errorf("%w: direction must be inbound or outbound", ErrInvalidArgument)
	}
	unlock := s.locks.Lock("pcid:" + providerCallID)
	defer unlock()
	return s.getOrCreateLocked(ctx, ApplyEventInput{ProviderCallID: providerCallID, Direction: direction})
}

func (s *Service) getOrCreateLocked(ctx context.Context, in ApplyEventInput) (calls.Call, error) {
	call, err := s.store.GetByProviderCallID(ctx, in.ProviderCallID)
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return calls.Call{}, err
	}

	direction := in.Direction
	if direction == "" {
		direction = calls.DirectionInbound
	}

	now := s.clock().UTC()
	call = calls.Call{
		ID:             s.newID(),
		ProviderCallID: in.ProviderCallID,
		Direction:      direction,
		Phone:          in.Phone,
		Email:          in.Email,
		Status:         calls.CallStatusInitiated,
		CreatedAt:      now,
	}
	created := events.WebhookEvent{
		ID:             s.newID(),
		CallID:         call.ID,
		ProviderCallID: in.ProviderCallID,
		EventType:      calls.EventTypeCallCreated,
		Payload:        creationPayload(call),
		DedupeKey:      "created:" + call.ID,
		ReceivedAt:     now,
		Processed:      true,
	}
	if err := s.store.CreateWithEvent(ctx, call, created); err != nil {
		return calls.Call{}, fmt.Errorf("create call: %w", err)
	}
	s.log.InfoContext(ctx, "call created from inbound event",
		"call_id", call.ID, "provider_call_id", in.ProviderCallID)
	return call, nil
}

func (s *Service) applyEventToCall(ctx context.Context, call calls.Call, in ApplyEventInput) (calls.Call, error) {
	dedupeKey := events.DedupeKey(in.ProviderCallID, in.EventType, in.ProviderSeq, in.Payload)

	seen, err := s.store.EventSeen(ctx, call.ID, dedupeKey)
	if err != nil {
		return calls.Call{}, fmt.Errorf("dedupe lookup: %w", err)
	}
	if seen {
		// Duplicate delivery: a successful no-op, not an error.
		s.log.DebugContext(ctx, "duplicate webhook event ignored",
			"call_id", call.ID, "event_type", in.EventType)
		return call, nil
	}

	now := s.clock().UTC()
	newStatus, eff := calls.NextEvent(call.Status, in.Input)

	record := events.WebhookEvent{
		ID:             s.newID(),
		CallID:         call.ID,
		ProviderCallID: in.ProviderCallID,
		EventType:      in.EventType,
		Payload:        events.WrapPayload(in.Input, in.Payload),
		DedupeKey:      dedupeKey,
		ReceivedAt:     now,
		Processed:      true,
	}

	if eff.Unknown {
		s.log.WarnContext(ctx, "unknown webhook event stored without transition",
			"call_id", call.ID, "event_type", in.EventType, "provider_status", in.Input.Status)
	}
	if eff.PostTerminal {
		s.log.InfoContext(ctx, "post-terminal event recorded for audit",
			"call_id", call.ID, "event_type", in.EventType, "status", call.Status)
	}

	updated, note := s.applyEffects(call, newStatus, eff, now, record.ID)

	// Link the provider call id once the provider acknowledges an outbound
	// call. Never overwritten afterwards.
	if updated.ProviderCallID == "" && in.ProviderCallID != "" {
		updated.ProviderCallID = in.ProviderCallID
	}

	// Events that left the projection untouched are logged for audit but
	// skip the snapshot write. Processed=false marks them in the log.
	if note == nil && !projectionChanged(call, updated) {
		record.Processed = false
		record.ErrorMessage = skipReason(eff)
		if err := s.store.AppendEvent(ctx, record); err != nil {
			if errors.Is(err, events.ErrDuplicate) {
				return call, nil
			}
			return calls.Call{}, fmt.Errorf("persist event: %w", err)
		}
		return call, nil
	}

	if err := s.store.SaveWithEvent(ctx, updated, note, record); err != nil {
		if errors.Is(err, events.ErrDuplicate) {
			// Lost a race with a concurrent duplicate delivery; the first
			// writer won and this one is a no-op.
			return call, nil
		}
		return calls.Call{}, fmt.Errorf("persist event: %w", err)
	}

	s.fireTerminalHook(ctx, call, updated)
	return updated, nil
}

// projectionChanged reports whether a transition altered any snapshot field.
// Notes are tracked separately by the caller.
func projectionChanged(before, after calls.Call) bool {
	return before.Status != after.Status ||
		before.Disposition != after.Disposition ||
		before.ProviderCallID != after.ProviderCallID ||
		before.RecordingURL != after.RecordingURL ||
		before.Transcript != after.Transcript ||
		(before.AnsweredAt == nil) != (after.AnsweredAt == nil) ||
		(before.EndedAt == nil) != (after.EndedAt == nil)
}

func skipReason(eff calls.Effects) string {
	switch {
	case eff.Unknown:
		return "not applied: unknown event type"
	case eff.PostTerminal:
		return "not applied: call in terminal state"
	default:
		return "not applied: stale provider status"
	}
}

// Command is an operator intent against one call.
type Command struct {
	Type  calls.CommandType
	Note  string
	Stage string

	// IdempotencyKey deduplicates dashboard retry-on-timeout. Required.
	IdempotencyKey string
}

// ApplyCommand applies an operator command through the same transition engine
// as webhook events. Commands violating the lifecycle return
// calls.ErrInvalidTransition and leave the call unchanged.
func (s *Service) ApplyCommand(ctx context.Context, callID string, cmd Command) (calls.Call, error) {
	if callID == "" {
		return calls.Call{}, fmt.Errorf("%w: call_id required", ErrInvalidArgument)
	}
	if cmd.IdempotencyKey == "" {
		return calls.Call{}, fmt.Errorf("%w: idempotency_key required", ErrInvalidArgument)
	}
	if cmd.Type == calls.CommandAddNote && cmd.Note == "" {
		return calls.Call{}, fmt.Errorf("%w: note content required", ErrInvalidArgument)
	}
	if cmd.Type == calls.CommandSetStage && cmd.Stage == "" {
		return calls.Call{}, fmt.Errorf("%w: stage required", ErrInvalidArgument)
	}

	unlock := s.locks.Lock("id:" + callID)
	defer unlock()

	call, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}

	dedupeKey := events.CommandDedupeKey(cmd.IdempotencyKey)
	seen, err := s.store.EventSeen(ctx, call.ID, dedupeKey)
	if err != nil {
		return calls.Call{}, fmt.Errorf("dedupe lookup: %w", err)
	}
	if seen {
		return call, nil
	}

	newStatus, eff, err := calls.NextCommand(call.Status, cmd.Type)
	if err != nil {
		return call, err
	}

	now := s.clock().UTC()
	if cmd.Type == calls.CommandAddNote {
		eff.Note = cmd.Note
	}

	payload, _ := json.Marshal(map[string]string{
		"command": string(cmd.Type),
		"note":    cmd.Note,
		"stage":   cmd.Stage,
	})
	record := events.WebhookEvent{
		ID:             s.newID(),
		CallID:         call.ID,
		ProviderCallID: call.ProviderCallID,
		EventType:      "operator_" + string(cmd.Type),
		Payload:        payload,
		DedupeKey:      dedupeKey,
		ReceivedAt:     now,
		Processed:      true,
	}

	updated, note := s.applyEffects(call, newStatus, eff, now, record.ID)
	if cmd.Type == calls.CommandSetStage {
		updated.Stage = cmd.Stage
	}

	if err := s.store.SaveWithEvent(ctx, updated, note, record); err != nil {
		if errors.Is(err, events.ErrDuplicate) {
			return call, nil
		}
		return calls.Call{}, fmt.Errorf("persist command: %w", err)
	}

	s.fireTerminalHook(ctx, call, updated)
	return updated, nil
}

// CreateOutboundInput describes one campaign target.
type CreateOutboundInput struct {
	Phone   string
	Email   string
	Purpose string
	Offer   string
	Context map[string]string
}

// CreateOutbound registers a new outbound call in `initiated`. The dialer is
// invoked by the caller after registration so a dial failure cannot leave an
// unrecorded call.
func (s *Service) CreateOutbound(ctx context.Context, in CreateOutboundInput) (calls.Call, error) {
	if in.Phone == "" {
		return calls.Call{}, fmt.Errorf("%w: phone required", ErrInvalidArgument)
	}

	now := s.clock().UTC()
	call := calls.Call{
		ID:        s.newID(),
		Direction: calls.DirectionOutbound,
		Phone:     in.Phone,
		Email:     in.Email,
		Purpose:   in.Purpose,
		Offer:     in.Offer,
		Context:   in.Context,
		Status:    calls.CallStatusInitiated,
		CreatedAt: now,
	}
	created := events.WebhookEvent{
		ID:         s.newID(),
		CallID:     call.ID,
		EventType:  calls.EventTypeCallCreated,
		Payload:    creationPayload(call),
		DedupeKey:  "created:" + call.ID,
		ReceivedAt: now,
		Processed:  true,
	}
	if err := s.store.CreateWithEvent(ctx, call, created); err != nil {
		return calls.Call{}, fmt.Errorf("create call: %w", err)
	}
	return call, nil
}

// GetByID returns a snapshot of one call.
func (s *Service) GetByID(ctx context.Context, callID string) (calls.Call, error) {
	if callID == "" {
		return calls.Call{}, fmt.Errorf("%w: call_id required", ErrInvalidArgument)
	}
	return s.store.GetByID(ctx, callID)
}

// List returns call snapshots, most recent first.
func (s *Service) List(ctx context.Context, f Filter) ([]calls.Call, error) {
	return s.store.List(ctx, f)
}

// ListActive returns calls the dashboard should show as live.
func (s *Service) ListActive(ctx context.Context) ([]calls.Call, error) {
	return s.store.List(ctx, Filter{ActiveOnly: true})
}

// applyEffects materializes a transition. noteID is the id of the log entry
// producing the note, so a note carries the same id live and on replay.
func (s *Service) applyEffects(call calls.Call, newStatus calls.CallStatus, eff calls.Effects, now time.Time, noteID string) (calls.Call, *calls.Note) {
	updated := call
	updated.Status = newStatus

	// Timestamps are set exactly once; repeated events that would re-set
	// them are no-ops.
	if eff.SetAnsweredAt && updated.AnsweredAt == nil {
		t := now
		updated.AnsweredAt = &t
	}
	if eff.SetEndedAt && updated.EndedAt == nil {
		t := now
		updated.EndedAt = &t
	}
	if eff.Disposition != "" && updated.Disposition == "" {
		updated.Disposition = eff.Disposition
	}

	// Enrichment: once set, never overwritten by empty.
	if eff.RecordingURL != "" {
		updated.RecordingURL = eff.RecordingURL
	}
	if eff.Transcript != "" {
		updated.Transcript = eff.Transcript
	}

	var note *calls.Note
	if eff.Note != "" {
		note = &calls.Note{
			ID:        noteID,
			CallID:    call.ID,
			Content:   eff.Note,
			CreatedAt: now,
		}
		updated.Notes = append(append([]calls.Note{}, updated.Notes...), *note)
	}
	return updated, note
}

func (s *Service) fireTerminalHook(ctx context.Context, before, after calls.Call) {
	if s.onTerminal == nil {
		return
	}
	if !before.Status.Terminal() && after.Status.Terminal() {
		s.onTerminal(ctx, after)
	}
}

func creationPayload(c calls.Call) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"direction": c.Direction,
		"phone":     c.Phone,
		"email":     c.Email,
		"purpose":   c.Purpose,
		"offer":     c.Offer,
		"context":   c.Context,
	})
	return b
}
