package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WebhookEvent is an immutable record of one received provider callback or
// operator command. The log is append-only; rows are never updated.
type WebhookEvent struct {
	ID string `json:"id" db:"id"`

	// CallID links the event to the internal call aggregate. It is resolved
	// at ingestion (or creation) time and never changes.
	CallID string `json:"call_id" db:"call_id"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	EventType string `json:"event_type" db:"event_type"`

	// Payload is the opaque provider-specific blob, stored as received.
	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`

	// DedupeKey recognizes duplicate deliveries. Providers routinely retry
	// webhooks; a key seen before is a successful no-op.
	DedupeKey string `json:"dedupe_key" db:"dedupe_key"`

	ReceivedAt time.Time `json:"received_at" db:"received_at"`

	// Processed marks events that mutated the call projection. Audit-only
	// entries (post-terminal, stale, or unknown events) carry false with
	// the reason in ErrorMessage.
	Processed    bool   `json:"processed" db:"processed"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
}

// DedupeKey derives the duplicate-recognition key from the provider call id,
// event type, and the provider sequence number when present. Providers that
// do not number their callbacks fall back to a payload hash, so a retried
// delivery of the same body maps to the same key.
func DedupeKey(providerCallID, eventType, providerSeq string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(providerCallID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	if providerSeq != "" {
		h.Write([]byte(providerSeq))
	} else {
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CommandDedupeKey names the log entry for an operator command. Commands are
// deduplicated by the client-supplied idempotency token, not by payload.
func CommandDedupeKey(token string) string {
	return "cmd:" + token
}
