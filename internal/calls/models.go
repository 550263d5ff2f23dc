package calls

import "time"

// Call is the authoritative record of one telephony call: identity, status,
// timestamps, and history.
//
// Mutation invariant: Status is written only by the transition engine in this
// package, applied through the registry. Contact fields (Phone, Email, Purpose,
// Context) are set at creation and change only via explicit update commands,
// never via provider webhook events.
//
// Calls are never deleted; terminal calls are retained as historical records.

type Call struct {
	ID string `json:"id" db:"id"`

	// ProviderCallID is the telephony provider's identifier (e.g., Twilio
	// CallSid). It may be empty until the provider acknowledges creation.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Direction Direction `json:"direction" db:"direction"`

	Phone   string            `json:"phone" db:"phone"`
	Email   string            `json:"email,omitempty" db:"email"`
	Purpose string            `json:"purpose,omitempty" db:"purpose"`
	Context map[string]string `json:"context,omitempty" db:"context"`

	// Offer is the campaign offer or script handed to the voice agent.
	Offer string `json:"offer,omitempty" db:"offer"`

	// Stage is a free-form CRM stage label set by operators.
	Stage string `json:"stage,omitempty" db:"stage"`

	Status CallStatus `json:"status" db:"status"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	Disposition Disposition `json:"disposition,omitempty" db:"disposition"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string `json:"transcript,omitempty" db:"transcript"`

	// Notes is append-only, ordered by creation.
	Notes []Note `json:"notes"`
}

type Note struct {
	ID        string    `json:"id" db:"id"`
	CallID    string    `json:"call_id" db:"call_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusPaused     CallStatus = "paused"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether no further status transitions may occur.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// Active reports whether the call should appear in the dashboard's active view.
func (s CallStatus) Active() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusInProgress, CallStatusPaused:
		return true
	default:
		return false
	}
}

// rank orders statuses along the forward-only lifecycle. paused shares the
// in_progress rank: the pause/resume side loop is the one permitted lateral
// move, and it is command-only.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusInitiated:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusInProgress, CallStatusPaused:
		return 2
	case CallStatusCompleted, CallStatusFailed:
		return 3
	default:
		return -1
	}
}

type Disposition string

const (
	DispositionCompleted Disposition = "completed"
	DispositionNoAnswer  Disposition = "no_answer"
	DispositionBusy      Disposition = "busy"
	DispositionFailed    Disposition = "failed"
)

// Duration is derived from the answered/ended timestamps and never stored,
// so it cannot drift from them.
func (c Call) Duration() time.Duration {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}

// DurationSeconds is the JSON-friendly form used by the dashboard.
func (c Call) DurationSeconds() int {
	return int(c.Duration() / time.Second)
}
