package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"call-orchestrator/internal/business"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/registry"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

// ProfileSource supplies dialing limits and timeouts for campaign starts.
type ProfileSource interface {
	GetProfile(ctx context.Context) business.Profile
}

type Handlers struct {
	Registry *registry.Service
	Dialer   telephony.Dialer
	Profiles ProfileSource
	Limiter  ConcurrencyLimiter
}

// --- Reads ---

// ListCalls returns call snapshots, most recent first. Filters: status (csv),
// direction, active=true, limit.
func (h Handlers) ListCalls(c *gin.Context) {
	f := registry.Filter{}
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, calls.CallStatus(strings.TrimSpace(s)))
		}
	}
	if v := c.Query("direction"); v != "" {
		f.Direction = calls.Direction(v)
		if !f.Direction.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "direction must be inbound or outbound"})
			return
		}
	}
	f.ActiveOnly = c.Query("active") == "true"
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	list, err := h.Registry.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": list, "count": len(list)})
}

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.Registry.GetByID(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Operator commands ---

type commandRequest struct {
	Note           string `json:"note,omitempty"`
	Stage          string `json:"stage,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// idempotencyKey prefers the body field, then the Idempotency-Key header.
func (r commandRequest) idempotencyKey(c *gin.Context) string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return strings.TrimSpace(c.GetHeader("Idempotency-Key"))
}

func (h Handlers) PauseCall(c *gin.Context)    { h.command(c, calls.CommandPause) }
func (h Handlers) ResumeCall(c *gin.Context)   { h.command(c, calls.CommandResume) }
func (h Handlers) CompleteCall(c *gin.Context) { h.command(c, calls.CommandComplete) }

func (h Handlers) AddNote(c *gin.Context) { h.command(c, calls.CommandAddNote) }

func (h Handlers) SetStage(c *gin.Context) { h.command(c, calls.CommandSetStage) }

func (h Handlers) command(c *gin.Context, typ calls.CommandType) {
	var req commandRequest
	// The body is optional; pause/resume/complete may carry only the
	// Idempotency-Key header.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	key := req.idempotencyKey(c)
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key required"})
		return
	}

	call, err := h.Registry.ApplyCommand(c.Request.Context(), c.Param("call_id"), registry.Command{
		Type:           typ,
		Note:           req.Note,
		Stage:          req.Stage,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Legacy dashboard webhook ---

// legacyWebhookRequest is the multiplexed update the first dashboard build
// sent: one endpoint carrying stage moves, dispositions, and notes together.
// Kept for compatibility; new clients use the per-command endpoints.
type legacyWebhookRequest struct {
	CallID         string `json:"call_id"`
	Stage          string `json:"stage,omitempty"`
	Disposition    string `json:"disposition,omitempty"`
	Note           string `json:"note,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// LegacyWebhook translates a multiplexed update into the equivalent command
// sequence: stage "paused" pauses, stage "in_progress" resumes, disposition
// "completed" completes, any other stage is a CRM label, a note attaches.
// Without a client idempotency key each delivery counts as a fresh request.
func (h Handlers) LegacyWebhook(c *gin.Context) {
	var req legacyWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CallID == "" {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "call_id required"})
		return
	}

	var cmds []registry.Command
	switch req.Stage {
	case "":
	case string(calls.CallStatusPaused):
		cmds = append(cmds, registry.Command{Type: calls.CommandPause})
	case string(calls.CallStatusInProgress):
		cmds = append(cmds, registry.Command{Type: calls.CommandResume})
	default:
		cmds = append(cmds, registry.Command{Type: calls.CommandSetStage, Stage: req.Stage})
	}
	if req.Disposition == string(calls.DispositionCompleted) {
		cmds = append(cmds, registry.Command{Type: calls.CommandComplete})
	}
	if req.Note != "" {
		cmds = append(cmds, registry.Command{Type: calls.CommandAddNote, Note: req.Note})
	}
	if len(cmds) == 0 {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "nothing to apply"})
		return
	}

	baseKey := req.IdempotencyKey
	if baseKey == "" {
		baseKey = uuid.NewString()
	}

	var call calls.Call
	var err error
	for i, cmd := range cmds {
		// Each sub-command gets its own dedupe slot under the client's key so
		// a retried delivery replays the whole sequence as no-ops.
		cmd.IdempotencyKey = baseKey + ":" + strconv.Itoa(i) + ":" + string(cmd.Type)
		call, err = h.Registry.ApplyCommand(c.Request.Context(), req.CallID, cmd)
		if err != nil {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, call)
}

// --- Campaign starts ---

type startTarget struct {
	Phone   string            `json:"phone"`
	Email   string            `json:"email,omitempty"`
	Purpose string            `json:"purpose,omitempty"`
	Offer   string            `json:"offer,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

type startCallsRequest struct {
	Targets []startTarget `json:"targets"`
}

type startResult struct {
	Phone  string `json:"phone"`
	CallID string `json:"call_id,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StartCalls registers outbound calls and hands them to the dialer, up to the
// business profile's concurrency cap. Targets over the cap are reported as
// skipped, not queued; the dashboard decides whether to retry them.
func (h Handlers) StartCalls(c *gin.Context) { h.start(c, "") }

// StartSalesCalls starts a sales campaign batch.
func (h Handlers) StartSalesCalls(c *gin.Context) { h.start(c, "sales") }

// StartJobsCalls starts a recruiting campaign batch.
func (h Handlers) StartJobsCalls(c *gin.Context) { h.start(c, "jobs") }

func (h Handlers) start(c *gin.Context, purpose string) {
	log := logger.FromGin(c)

	var req startCallsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.Targets) == 0 {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "targets required"})
		return
	}

	ctx := c.Request.Context()
	profile := h.Profiles.GetProfile(ctx)

	results := make([]startResult, 0, len(req.Targets))
	started := 0
	for _, target := range req.Targets {
		if target.Phone == "" {
			results = append(results, startResult{Status: "rejected", Reason: "phone required"})
			continue
		}

		ok, err := h.Limiter.Acquire(ctx, profile.MaxConcurrentCalls)
		if err != nil {
			log.Error("concurrency slot acquire failed", "err", err)
			results = append(results, startResult{Phone: target.Phone, Status: "skipped", Reason: "limiter unavailable"})
			continue
		}
		if !ok {
			results = append(results, startResult{Phone: target.Phone, Status: "skipped", Reason: "concurrency limit reached"})
			continue
		}

		res, releaseSlot := h.startOne(ctx, target, purpose, profile)
		if res.Status == "started" {
			started++
		}
		if releaseSlot {
			if err := h.Limiter.Release(ctx); err != nil {
				log.Error("concurrency slot release failed", "err", err)
			}
		}
		results = append(results, res)
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "started": started})
}

// startOne registers and dials one target. The returned bool tells the caller
// to release the concurrency slot: true only when no live call holds it. A
// recorded dial failure reaches terminal state, so the terminal hook releases
// that slot; an unrecorded one is reclaimed by the limiter TTL.
func (h Handlers) startOne(ctx context.Context, target startTarget, purpose string, profile business.Profile) (startResult, bool) {
	if target.Purpose == "" {
		target.Purpose = purpose
	}

	call, err := h.Registry.CreateOutbound(ctx, registry.CreateOutboundInput{
		Phone:   target.Phone,
		Email:   target.Email,
		Purpose: target.Purpose,
		Offer:   target.Offer,
		Context: target.Context,
	})
	if err != nil {
		return startResult{Phone: target.Phone, Status: "rejected", Reason: err.Error()}, true
	}

	err = h.Dialer.StartCall(ctx, telephony.StartCallRequest{
		CallID:         call.ID,
		To:             call.Phone,
		TimeoutSeconds: profile.CallTimeoutSeconds,
	})
	if err != nil {
		// The call is registered; record the dial failure as its outcome so
		// the dashboard sees a failed call rather than a phantom.
		_, applyErr := h.Registry.ApplyEvent(ctx, registry.ApplyEventInput{
			CallID:    call.ID,
			EventType: calls.EventTypeCallFailed,
			Payload:   []byte(`{"reason":"dial failed"}`),
			Input:     calls.EventInput{Type: calls.EventTypeCallFailed},
		})
		if applyErr != nil {
			return startResult{Phone: target.Phone, CallID: call.ID, Status: "failed", Reason: "dial failed; outcome not recorded: " + applyErr.Error()}, false
		}
		return startResult{Phone: target.Phone, CallID: call.ID, Status: "failed", Reason: err.Error()}, false
	}
	return startResult{Phone: target.Phone, CallID: call.ID, Status: "started"}, false
}

// --- Error mapping ---

func (h Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	}
}
