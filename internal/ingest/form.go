package ingest

import (
	"encoding/json"
	"net/http"
	"strings"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/registry"
)

// TwilioVoiceForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
//
// Keep it provider-adapter-only: normalization happens here, lifecycle
// decisions happen in the registry.
type TwilioVoiceForm struct {
	CallSid           string
	CallStatus        string
	From              string
	To                string
	Direction         string
	SequenceNumber    string
	RecordingURL      string
	TranscriptionText string
	SpeechResult      string

	// CallID is carried on our own callback URLs for outbound calls so the
	// event resolves directly even before CallSid is linked.
	CallID string
}

func ParseTwilioVoiceForm(r *http.Request) (TwilioVoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioVoiceForm{}, err
	}
	return TwilioVoiceForm{
		CallSid:           strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus:        strings.TrimSpace(r.PostFormValue("CallStatus")),
		From:              strings.TrimSpace(r.PostFormValue("From")),
		To:                strings.TrimSpace(r.PostFormValue("To")),
		Direction:         strings.TrimSpace(r.PostFormValue("Direction")),
		SequenceNumber:    strings.TrimSpace(r.PostFormValue("SequenceNumber")),
		RecordingURL:      strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		TranscriptionText: r.PostFormValue("TranscriptionText"),
		SpeechResult:      r.PostFormValue("SpeechResult"),
		CallID:            strings.TrimSpace(r.URL.Query().Get("call_id")),
	}, nil
}

// rawPayload preserves the full form for the event log so replay and audit
// see exactly what the provider sent.
func (f TwilioVoiceForm) rawPayload(r *http.Request) json.RawMessage {
	flat := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		flat[k] = r.PostFormValue(k)
	}
	b, _ := json.Marshal(flat)
	return b
}

// direction maps Twilio's direction strings onto ours. Outbound API calls
// report "outbound-api"; everything else defaults to inbound.
func (f TwilioVoiceForm) direction() calls.Direction {
	if strings.HasPrefix(strings.ToLower(f.Direction), "outbound") {
		return calls.DirectionOutbound
	}
	return calls.DirectionInbound
}

// callerPhone picks the counterparty number: the caller for inbound calls,
// the dialed number for outbound.
func (f TwilioVoiceForm) callerPhone() string {
	if f.direction() == calls.DirectionOutbound {
		return f.To
	}
	return f.From
}

func (f TwilioVoiceForm) toEventInput(r *http.Request, eventType string, in calls.EventInput) registry.ApplyEventInput {
	in.Type = eventType
	return registry.ApplyEventInput{
		CallID:         f.CallID,
		ProviderCallID: f.CallSid,
		EventType:      eventType,
		ProviderSeq:    f.SequenceNumber,
		Payload:        f.rawPayload(r),
		Input:          in,
		Direction:      f.direction(),
		Phone:          f.callerPhone(),
	}
}
