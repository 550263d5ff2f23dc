package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/events"
)

// Replay rebuilds call projections from an event log in receipt order.
//
// The in-memory registry is a cache over the log: after a restart, folding
// the log through the same transition engine and dedupe logic reproduces the
// exact projections the live system held. Dispositions, timestamps, and notes
// all come back because commands and creations are log entries too.
func Replay(ctx context.Context, src events.Store, log *slog.Logger) (*MemoryStore, error) {
	if log == nil {
		log = slog.Default()
	}
	store := NewMemoryStore()
	svc := NewService(store, log)

	evs, err := src.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: list events: %w", err)
	}
	for _, e := range evs {
		if err := svc.replayOne(ctx, e); err != nil {
			return nil, fmt.Errorf("replay event %s (%s): %w", e.ID, e.EventType, err)
		}
	}
	return store, nil
}

func (s *Service) replayOne(ctx context.Context, e events.WebhookEvent) error {
	// The same dedupe discipline used at ingestion guards replay, so a log
	// that somehow contains duplicates still folds to the same projection.
	seen, err := s.store.EventSeen(ctx, e.CallID, e.DedupeKey)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	switch {
	case e.EventType == calls.EventTypeCallCreated:
		return s.replayCreation(ctx, e)
	case strings.HasPrefix(e.EventType, "operator_"):
		return s.replayCommand(ctx, e)
	default:
		return s.replayProviderEvent(ctx, e)
	}
}

func (s *Service) replayCreation(ctx context.Context, e events.WebhookEvent) error {
	var p struct {
		Direction calls.Direction   `json:"direction"`
		Phone     string            `json:"phone"`
		Email     string            `json:"email"`
		Purpose   string            `json:"purpose"`
		Offer     string            `json:"offer"`
		Context   map[string]string `json:"context"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	call := calls.Call{
		ID:             e.CallID,
		ProviderCallID: e.ProviderCallID,
		Direction:      p.Direction,
		Phone:          p.Phone,
		Email:          p.Email,
		Purpose:        p.Purpose,
		Offer:          p.Offer,
		Context:        p.Context,
		Status:         calls.CallStatusInitiated,
		CreatedAt:      e.ReceivedAt,
	}
	return s.store.CreateWithEvent(ctx, call, e)
}

func (s *Service) replayCommand(ctx context.Context, e events.WebhookEvent) error {
	var p struct {
		Command string `json:"command"`
		Note    string `json:"note"`
		Stage   string `json:"stage"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}

	call, err := s.store.GetByID(ctx, e.CallID)
	if err != nil {
		return err
	}

	cmdType := calls.CommandType(p.Command)
	newStatus, eff, err := calls.NextCommand(call.Status, cmdType)
	if err != nil {
		// Rejected commands are never logged, so this indicates a corrupt
		// log; surface it rather than diverge silently.
		return err
	}
	if cmdType == calls.CommandAddNote {
		eff.Note = p.Note
	}

	updated, note := s.applyEffects(call, newStatus, eff, e.ReceivedAt, e.ID)
	if cmdType == calls.CommandSetStage {
		updated.Stage = p.Stage
	}
	return s.store.SaveWithEvent(ctx, updated, note, e)
}

func (s *Service) replayProviderEvent(ctx context.Context, e events.WebhookEvent) error {
	env, err := events.UnwrapPayload(e.Payload)
	if err != nil {
		return err
	}
	if env.Input.Type == "" {
		env.Input.Type = e.EventType
	}

	call, err := s.store.GetByID(ctx, e.CallID)
	if err != nil {
		return err
	}

	newStatus, eff := calls.NextEvent(call.Status, env.Input)
	updated, note := s.applyEffects(call, newStatus, eff, e.ReceivedAt, e.ID)
	if updated.ProviderCallID == "" && e.ProviderCallID != "" {
		updated.ProviderCallID = e.ProviderCallID
	}
	// Mirror ingestion: audit-only entries fold back as audit-only entries.
	if note == nil && !projectionChanged(call, updated) {
		return s.store.AppendEvent(ctx, e)
	}
	return s.store.SaveWithEvent(ctx, updated, note, e)
}
