package telephony

import (
	"context"
)

// Dialer is the provider-agnostic interface for placing and steering calls.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request types provider-agnostic; the provider's raw responses stay
//   inside the adapter.
type Dialer interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// StartCall asks the provider to dial out. The provider's answer/status
	// callbacks carry the call id back into webhook ingestion.
	StartCall(ctx context.Context, req StartCallRequest) error

	// TransferCall connects an in-progress call to a human agent.
	TransferCall(ctx context.Context, req TransferCallRequest) error
}

type StartCallRequest struct {
	// CallID is the internal call identifier, echoed in callback URLs.
	CallID string `json:"call_id"`

	// To is E.164 where possible.
	To string `json:"to"`

	// Timeout bounds how long the provider lets the call ring.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type TransferCallRequest struct {
	CallID string `json:"call_id"`

	// ProviderCallID identifies the live call at the provider.
	ProviderCallID string `json:"provider_call_id"`

	// To is the destination number, typically a human agent.
	To string `json:"to"`
}
