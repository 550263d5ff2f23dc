package calls

import (
	"errors"
	"strings"
)

// Transition engine for the call lifecycle:
//
//	initiated -> ringing -> in_progress -> {completed, failed}
//
// with in_progress <-> paused as an operator-only side loop, and
// ringing -> failed directly for busy/no-answer outcomes.
//
// The engine is pure: it maps (current status, event-or-command) to
// (next status, effects) and never touches storage. The registry is
// responsible for applying effects exactly once.
//
// Ordering rule: events are applied in arrival order, and status never moves
// backward along the lifecycle. An event asserting an earlier logical state
// than the current one is recorded but produces no transition. The only
// lateral move is the explicit pause/resume command pair.

var ErrInvalidTransition = errors.New("invalid transition")

// Webhook event types as normalized at ingestion.
const (
	EventTypeCallCreated   = "call_created"
	EventTypeCallStatus    = "call_status"
	EventTypeCallAnswered  = "call_answered"
	EventTypeCallFailed    = "call_failed"
	EventTypeCallGather    = "call_gather"
	EventTypeCallTransfer  = "call_transfer"
	EventTypeVoicemail     = "voicemail"
	EventTypeRecording     = "recording"
	EventTypeTranscription = "transcription"
)

// Operator command types. Commands are recorded in the event log as
// "operator_<type>" entries keyed by the client's idempotency token.
type CommandType string

const (
	CommandPause    CommandType = "pause"
	CommandResume   CommandType = "resume"
	CommandComplete CommandType = "complete"
	CommandAddNote  CommandType = "add_note"
	CommandSetStage CommandType = "set_stage"
)

// EventInput is the normalized view of a webhook event the engine consumes.
type EventInput struct {
	Type string

	// Status carries the provider call status for call_status events
	// (e.g., Twilio CallStatus: ringing, in-progress, completed, busy).
	Status string

	RecordingURL string
	Transcript   string

	// Note carries gathered speech or operator note content.
	Note string
}

// Effects describes the side effects the registry must apply alongside a
// transition. Timestamp effects are idempotent: a set-if-unset discipline
// keeps repeated deliveries from re-stamping answeredAt/endedAt.
type Effects struct {
	SetAnsweredAt bool
	SetEndedAt    bool

	Disposition Disposition

	RecordingURL string
	Transcript   string
	Note         string

	// PostTerminal marks an event that arrived after a terminal state.
	// It is recorded for audit and produces no transition.
	PostTerminal bool

	// Unknown marks an event type the engine does not understand. It is
	// stored for forward compatibility and flagged in logs, never fatal.
	Unknown bool
}

// NextEvent computes the transition for a provider webhook event.
func NextEvent(cur CallStatus, in EventInput) (CallStatus, Effects) {
	switch in.Type {
	case EventTypeCallCreated:
		// Creation is materialized by the registry; the event exists so
		// replay reproduces the aggregate.
		return cur, Effects{}

	case EventTypeRecording:
		// Metadata enrichment applies in any state, including terminal:
		// providers deliver recordings after completion.
		return cur, Effects{RecordingURL: in.RecordingURL}

	case EventTypeTranscription:
		return cur, Effects{Transcript: in.Transcript}

	case EventTypeCallGather:
		return cur, Effects{Note: in.Note}

	case EventTypeCallTransfer, EventTypeVoicemail:
		return cur, Effects{Note: in.Note}

	case EventTypeCallStatus, EventTypeCallAnswered, EventTypeCallFailed:
		if cur.Terminal() {
			return cur, Effects{PostTerminal: true}
		}
		return nextStatusEvent(cur, in)

	default:
		return cur, Effects{Unknown: true}
	}
}

func nextStatusEvent(cur CallStatus, in EventInput) (CallStatus, Effects) {
	status := in.Status
	switch in.Type {
	case EventTypeCallAnswered:
		status = "answered"
	case EventTypeCallFailed:
		status = "failed"
	}

	target, eff := classifyProviderStatus(status)
	if target == "" {
		// Unrecognized provider status: store-only, same as unknown events.
		return cur, Effects{Unknown: true}
	}

	// Forward-only: provider events never regress status and never enter
	// the paused side loop.
	if target.rank() <= cur.rank() {
		return cur, Effects{}
	}
	return target, eff
}

// classifyProviderStatus maps a provider call status string onto the target
// lifecycle status and its effects. Unrecognized statuses return "".
func classifyProviderStatus(s string) (CallStatus, Effects) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated":
		return CallStatusInitiated, Effects{}
	case "ringing":
		return CallStatusRinging, Effects{}
	case "answered", "in-progress", "in_progress":
		return CallStatusInProgress, Effects{SetAnsweredAt: true}
	case "completed":
		return CallStatusCompleted, Effects{SetEndedAt: true, Disposition: DispositionCompleted}
	case "busy":
		return CallStatusFailed, Effects{SetEndedAt: true, Disposition: DispositionBusy}
	case "no-answer", "no_answer":
		return CallStatusFailed, Effects{SetEndedAt: true, Disposition: DispositionNoAnswer}
	case "failed", "canceled":
		return CallStatusFailed, Effects{SetEndedAt: true, Disposition: DispositionFailed}
	default:
		return "", Effects{}
	}
}

// NextCommand computes the transition for an operator command. Commands that
// violate the lifecycle return ErrInvalidTransition and leave the call
// unchanged; they are reported to the caller, never silently ignored.
func NextCommand(cur CallStatus, cmd CommandType) (CallStatus, Effects, error) {
	switch cmd {
	case CommandPause:
		if cur != CallStatusInProgress {
			return cur, Effects{}, ErrInvalidTransition
		}
		return CallStatusPaused, Effects{}, nil

	case CommandResume:
		if cur != CallStatusPaused {
			return cur, Effects{}, ErrInvalidTransition
		}
		return CallStatusInProgress, Effects{}, nil

	case CommandComplete:
		if cur != CallStatusInProgress {
			return cur, Effects{}, ErrInvalidTransition
		}
		return CallStatusCompleted, Effects{SetEndedAt: true, Disposition: DispositionCompleted}, nil

	case CommandAddNote, CommandSetStage:
		// Notes and stage labels attach in any state, including terminal.
		return cur, Effects{}, nil

	default:
		return cur, Effects{}, ErrInvalidTransition
	}
}
