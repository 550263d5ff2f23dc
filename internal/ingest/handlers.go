package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"call-orchestrator/internal/business"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/registry"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"
)

// CallRegistry is the slice of the registry service webhook ingestion needs.
type CallRegistry interface {
	ApplyEvent(ctx context.Context, in registry.ApplyEventInput) (calls.Call, error)
}

// ProfileSource supplies the greeting played when a call is answered.
type ProfileSource interface {
	GetProfile(ctx context.Context) business.Profile
}

// Handler terminates provider webhooks. Each handler parses and normalizes
// the provider payload, applies it through the registry under a deadline, and
// answers with the status code the provider's retry policy expects: 2xx to
// ack, 5xx to request redelivery.
type Handler struct {
	Registry CallRegistry
	Profiles ProfileSource

	// Dialer and AgentNumber serve transfer requests: the voice agent asks
	// for a human, the live call is redirected to AgentNumber.
	Dialer      telephony.Dialer
	AgentNumber string

	// Deadline bounds webhook processing; providers retry on timeout, so
	// holding their connection open past it buys nothing.
	Deadline time.Duration
}

func NewHandler(reg CallRegistry, profiles ProfileSource, dialer telephony.Dialer, agentNumber string, deadline time.Duration) *Handler {
	return &Handler{Registry: reg, Profiles: profiles, Dialer: dialer, AgentNumber: agentNumber, Deadline: deadline}
}

// Status handles Twilio status callbacks (initiated, ringing, answered,
// completed, busy, no-answer, failed).
func (h *Handler) Status(c *gin.Context) {
	form, ok := h.parseForm(c)
	if !ok {
		return
	}
	h.apply(c, form.toEventInput(c.Request, calls.EventTypeCallStatus, calls.EventInput{Status: form.CallStatus}), nil)
}

// Answer handles Twilio's answer webhook: the call connected, so mark it
// in-progress and return TwiML speaking the greeting and gathering speech.
func (h *Handler) Answer(c *gin.Context) {
	form, ok := h.parseForm(c)
	if !ok {
		return
	}
	h.apply(c, form.toEventInput(c.Request, calls.EventTypeCallAnswered, calls.EventInput{}), func(call calls.Call) {
		profile := h.Profiles.GetProfile(c.Request.Context())
		twiml, err := telephony.RenderGreeting(telephony.GreetingPrompt{
			Greeting:  profile.GreetingScript,
			ActionURL: "/webhooks/twilio/voice/gather?call_id=" + url.QueryEscape(call.ID),
		})
		if err != nil {
			logger.FromGin(c).Error("twiml render failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
			return
		}
		c.Header("Content-Type", "application/xml")
		c.String(http.StatusOK, twiml)
	})
}

// Gather handles speech gathered after the greeting. The transcribed speech
// is attached to the call as a note; the reply TwiML closes the call.
func (h *Handler) Gather(c *gin.Context) {
	form, ok := h.parseForm(c)
	if !ok {
		return
	}
	note := ""
	if form.SpeechResult != "" {
		note = "User said: " + form.SpeechResult
	}
	h.apply(c, form.toEventInput(c.Request, calls.EventTypeCallGather, calls.EventInput{Note: note}), func(call calls.Call) {
		twiml, err := telephony.RenderGreeting(telephony.GreetingPrompt{
			Greeting: "Thank you, we have noted that. Goodbye.",
		})
		if err != nil {
			logger.FromGin(c).Error("twiml render failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
			return
		}
		c.Header("Content-Type", "application/xml")
		c.String(http.StatusOK, twiml)
	})
}

// Recording handles recording-ready callbacks.
func (h *Handler) Recording(c *gin.Context) {
	form, ok := h.parseForm(c)
	if !ok {
		return
	}
	h.apply(c, form.toEventInput(c.Request, calls.EventTypeRecording, calls.EventInput{RecordingURL: form.RecordingURL}), nil)
}

// Transcription handles transcription-ready callbacks.
func (h *Handler) Transcription(c *gin.Context) {
	form, ok := h.parseForm(c)
	if !ok {
		return
	}
	h.apply(c, form.toEventInput(c.Request, calls.EventTypeTranscription, calls.EventInput{Transcript: form.TranscriptionText}), nil)
}

// normalizedEvent is the provider-agnostic webhook body. GET deliveries carry
// the same fields as query parameters.
type normalizedEvent struct {
	CallID         string `json:"call_id" form:"call_id"`
	ProviderCallID string `json:"provider_call_id" form:"provider_call_id"`
	EventType      string `json:"event_type" form:"event_type"`
	Status         string `json:"status" form:"status"`
	Seq            string `json:"seq" form:"seq"`
	RecordingURL   string `json:"recording_url" form:"recording_url"`
	Transcript     string `json:"transcript" form:"transcript"`
	Note           string `json:"note" form:"note"`
	Direction      string `json:"direction" form:"direction"`
	Phone          string `json:"phone" form:"phone"`
	Email          string `json:"email" form:"email"`

	// Transfer asks for the live call to be handed to a human agent.
	Transfer bool `json:"transfer" form:"transfer"`
}

// Normalized handles the provider-agnostic webhook. Gateways that cannot POST
// JSON may deliver the same fields via GET query parameters.
func (h *Handler) Normalized(c *gin.Context) {
	var ev normalizedEvent
	var err error
	if c.Request.Method == http.MethodGet {
		err = c.ShouldBindQuery(&ev)
	} else {
		err = c.ShouldBindJSON(&ev)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid event payload"})
		return
	}

	direction := calls.Direction(ev.Direction)
	if ev.Direction != "" && !direction.Valid() {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "direction must be inbound or outbound"})
		return
	}

	// Transfer: redirect the live call to the human agent before recording
	// the event. The recorded call_transfer entry carries the handoff note.
	if ev.Transfer {
		if h.Dialer == nil || h.AgentNumber == "" {
			logger.FromGin(c).Warn("transfer requested but no agent number configured",
				"provider_call_id", ev.ProviderCallID)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "transfer unavailable"})
			return
		}
		if ev.ProviderCallID == "" {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "provider_call_id required for transfer"})
			return
		}
		if err := h.Dialer.TransferCall(c.Request.Context(), telephony.TransferCallRequest{
			CallID:         ev.CallID,
			ProviderCallID: ev.ProviderCallID,
			To:             h.AgentNumber,
		}); err != nil {
			logger.FromGin(c).Error("transfer failed", "provider_call_id", ev.ProviderCallID, "err", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "transfer failed"})
			return
		}
		ev.EventType = calls.EventTypeCallTransfer
		if ev.Note == "" {
			ev.Note = "Transferred to human agent " + h.AgentNumber
		}
	}

	raw, _ := json.Marshal(ev)
	h.apply(c, registry.ApplyEventInput{
		CallID:         ev.CallID,
		ProviderCallID: ev.ProviderCallID,
		EventType:      ev.EventType,
		ProviderSeq:    ev.Seq,
		Payload:        raw,
		Input: calls.EventInput{
			Type:         ev.EventType,
			Status:       ev.Status,
			RecordingURL: ev.RecordingURL,
			Transcript:   ev.Transcript,
			Note:         ev.Note,
		},
		Direction: direction,
		Phone:     ev.Phone,
		Email:     ev.Email,
	}, nil)
}

func (h *Handler) parseForm(c *gin.Context) (TwilioVoiceForm, bool) {
	form, err := ParseTwilioVoiceForm(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid form"})
		return TwilioVoiceForm{}, false
	}
	return form, true
}

// apply runs the event through the registry under the webhook deadline.
// onSuccess, when set, owns the response (TwiML handlers); otherwise a JSON
// ack is written.
func (h *Handler) apply(c *gin.Context, in registry.ApplyEventInput, onSuccess func(calls.Call)) {
	log := logger.FromGin(c)

	ctx := c.Request.Context()
	if h.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Deadline)
		defer cancel()
	}

	call, err := h.Registry.ApplyEvent(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, registry.ErrNotFound):
		log.Warn("webhook for unknown call", "call_id", in.CallID, "provider_call_id", in.ProviderCallID)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	default:
		// Persistence or deadline failure: ask the provider to redeliver.
		log.Error("webhook event persist failed", "event_type", in.EventType, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}

	if onSuccess != nil {
		onSuccess(call)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": call.ID, "status": call.Status})
}
