package events

import (
	"encoding/json"

	"call-orchestrator/internal/calls"
)

// Envelope is the stored payload shape for provider events: the normalized
// engine input alongside the raw provider blob as received. Keeping the
// normalized form in the log makes replay independent of provider parsing.
type Envelope struct {
	Input calls.EventInput `json:"input"`
	Raw   json.RawMessage  `json:"raw,omitempty"`
}

func WrapPayload(in calls.EventInput, raw json.RawMessage) json.RawMessage {
	b, _ := json.Marshal(Envelope{Input: in, Raw: raw})
	return b
}

func UnwrapPayload(p json.RawMessage) (Envelope, error) {
	var env Envelope
	if len(p) == 0 {
		return env, nil
	}
	err := json.Unmarshal(p, &env)
	return env, err
}
