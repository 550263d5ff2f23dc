package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"call-orchestrator/internal/business"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/registry"
	"call-orchestrator/internal/telephony"
)

type stubProfiles struct {
	profile business.Profile
}

func (s stubProfiles) GetProfile(ctx context.Context) business.Profile {
	return s.profile
}

type stubDialer struct {
	mu      sync.Mutex
	started []telephony.StartCallRequest
	fail    bool
}

func (d *stubDialer) Name() string                              { return "stub" }
func (d *stubDialer) HealthCheck(ctx context.Context) error     { return nil }
func (d *stubDialer) TransferCall(ctx context.Context, req telephony.TransferCallRequest) error {
	return nil
}

func (d *stubDialer) StartCall(ctx context.Context, req telephony.StartCallRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("provider unavailable")
	}
	d.started = append(d.started, req)
	return nil
}

// memoryLimiter mirrors the redis cap semantics for tests.
type memoryLimiter struct {
	mu     sync.Mutex
	active int
}

func (l *memoryLimiter) Acquire(ctx context.Context, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= limit {
		return false, nil
	}
	l.active++
	return true, nil
}

func (l *memoryLimiter) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	return nil
}

type testEnv struct {
	router  *gin.Engine
	svc     *registry.Service
	dialer  *stubDialer
	limiter *memoryLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := registry.NewService(registry.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	dialer := &stubDialer{}
	limiter := &memoryLimiter{}
	svc.SetTerminalHook(func(ctx context.Context, c calls.Call) {
		if c.Direction == calls.DirectionOutbound {
			_ = limiter.Release(ctx)
		}
	})

	h := Handlers{
		Registry: svc,
		Dialer:   dialer,
		Profiles: stubProfiles{profile: business.Profile{MaxConcurrentCalls: 2, CallTimeoutSeconds: 120}},
		Limiter:  limiter,
	}

	r := gin.New()
	r.GET("/calls", h.ListCalls)
	r.GET("/calls/:call_id", h.GetCall)
	r.POST("/calls/webhook", h.LegacyWebhook)
	r.POST("/calls/start", h.StartCalls)
	r.POST("/calls/start-sales", h.StartSalesCalls)
	r.POST("/calls/:call_id/pause", h.PauseCall)
	r.POST("/calls/:call_id/resume", h.ResumeCall)
	r.POST("/calls/:call_id/complete", h.CompleteCall)
	r.POST("/calls/:call_id/notes", h.AddNote)

	return &testEnv{router: r, svc: svc, dialer: dialer, limiter: limiter}
}

func (e *testEnv) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	e.router.ServeHTTP(w, req)
	return w
}

// reach drives a call to the given status via provider events.
func (e *testEnv) reach(t *testing.T, callID string, statuses ...string) {
	t.Helper()
	for i, s := range statuses {
		_, err := e.svc.ApplyEvent(context.Background(), registry.ApplyEventInput{
			CallID:      callID,
			EventType:   calls.EventTypeCallStatus,
			ProviderSeq: "seed-" + s + "-" + string(rune('a'+i)),
			Input:       calls.EventInput{Type: calls.EventTypeCallStatus, Status: s},
		})
		if err != nil {
			t.Fatalf("seed %s: %v", s, err)
		}
	}
}

func TestStartCallsDialsTargets(t *testing.T) {
	e := newTestEnv(t)

	w := e.postJSON(t, "/calls/start", `{"targets":[{"phone":"+15550001","offer":"spring promo"},{"phone":"+15550002"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Started int           `json:"started"`
		Results []startResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Started != 2 {
		t.Fatalf("expected 2 started, got %d", resp.Started)
	}
	if len(e.dialer.started) != 2 {
		t.Fatalf("expected 2 dials, got %d", len(e.dialer.started))
	}
	if e.dialer.started[0].TimeoutSeconds != 120 {
		t.Fatalf("expected profile timeout, got %d", e.dialer.started[0].TimeoutSeconds)
	}

	list, err := e.svc.List(context.Background(), registry.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(list))
	}
	for _, c := range list {
		if c.Status != calls.CallStatusInitiated || c.Direction != calls.DirectionOutbound {
			t.Fatalf("unexpected call: %+v", c)
		}
	}
}

func TestStartCallsEnforcesConcurrencyCap(t *testing.T) {
	e := newTestEnv(t)

	w := e.postJSON(t, "/calls/start", `{"targets":[{"phone":"+1"},{"phone":"+2"},{"phone":"+3"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Started int           `json:"started"`
		Results []startResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Started != 2 {
		t.Fatalf("expected cap of 2, got %d started", resp.Started)
	}
	var skipped int
	for _, r := range resp.Results {
		if r.Status == "skipped" {
			skipped++
			if r.Reason != "concurrency limit reached" {
				t.Fatalf("unexpected skip reason %q", r.Reason)
			}
		}
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", skipped)
	}
}

func TestTerminalCallFreesConcurrencySlot(t *testing.T) {
	e := newTestEnv(t)

	w := e.postJSON(t, "/calls/start", `{"targets":[{"phone":"+1"},{"phone":"+2"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Results []startResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	e.reach(t, resp.Results[0].CallID, "completed")

	w = e.postJSON(t, "/calls/start", `{"targets":[{"phone":"+3"}]}`)
	var resp2 struct {
		Started int `json:"started"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp2.Started != 1 {
		t.Fatalf("expected freed slot to admit new call, got %d started", resp2.Started)
	}
}

func TestStartCallsDialFailureRecordsFailedCall(t *testing.T) {
	e := newTestEnv(t)
	e.dialer.fail = true

	w := e.postJSON(t, "/calls/start", `{"targets":[{"phone":"+15550001"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Results []startResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Results[0].Status != "failed" {
		t.Fatalf("expected failed, got %+v", resp.Results[0])
	}

	got, err := e.svc.GetByID(context.Background(), resp.Results[0].CallID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != calls.CallStatusFailed {
		t.Fatalf("expected failed call, got %s", got.Status)
	}
	if e.limiter.active != 0 {
		t.Fatalf("expected slot released via terminal hook, got %d active", e.limiter.active)
	}
}

func TestStartSalesPresetsPurpose(t *testing.T) {
	e := newTestEnv(t)

	w := e.postJSON(t, "/calls/start-sales", `{"targets":[{"phone":"+15550001"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	list, _ := e.svc.List(context.Background(), registry.Filter{})
	if list[0].Purpose != "sales" {
		t.Fatalf("expected sales purpose, got %q", list[0].Purpose)
	}
}

func TestPauseResumeCompleteEndpoints(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.reach(t, out.ID, "ringing", "in-progress")

	w := e.postJSON(t, "/calls/"+out.ID+"/pause", `{"idempotency_key":"k1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != calls.CallStatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	w = e.postJSON(t, "/calls/"+out.ID+"/resume", `{"idempotency_key":"k2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", w.Code)
	}

	w = e.postJSON(t, "/calls/"+out.ID+"/complete", `{"idempotency_key":"k3"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != calls.CallStatusCompleted || got.EndedAt == nil {
		t.Fatalf("expected completed with endedAt, got %+v", got)
	}
}

func TestPauseRequiresIdempotencyKey(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	e.reach(t, out.ID, "in-progress")

	w := e.postJSON(t, "/calls/"+out.ID+"/pause", `{}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestPauseAcceptsHeaderKeyWithEmptyBody(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	e.reach(t, out.ID, "in-progress")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls/"+out.ID+"/pause", nil)
	req.Header.Set("Idempotency-Key", "hk1")
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInvalidCommandReturnsConflict(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})

	w := e.postJSON(t, "/calls/"+out.ID+"/pause", `{"idempotency_key":"k1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUnknownCallReturns404(t *testing.T) {
	e := newTestEnv(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls/nope", nil)
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = e.postJSON(t, "/calls/nope/pause", `{"idempotency_key":"k1"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAddNoteEndpoint(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})

	w := e.postJSON(t, "/calls/"+out.ID+"/notes", `{"note":"left voicemail","idempotency_key":"n1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Notes) != 1 || got.Notes[0].Content != "left voicemail" {
		t.Fatalf("expected note, got %+v", got.Notes)
	}
}

func TestLegacyWebhookPauseAndNote(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	e.reach(t, out.ID, "in-progress")

	w := e.postJSON(t, "/calls/webhook", `{"call_id":"`+out.ID+`","stage":"paused","note":"callback at 3pm","idempotency_key":"lw1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != calls.CallStatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	if len(got.Notes) != 1 {
		t.Fatalf("expected note, got %+v", got.Notes)
	}
}

func TestLegacyWebhookRetrySameKeyIsNoop(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	e.reach(t, out.ID, "in-progress")

	body := `{"call_id":"` + out.ID + `","note":"only once","idempotency_key":"lw2"}`
	for i := 0; i < 3; i++ {
		if w := e.postJSON(t, "/calls/webhook", body); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, w.Code)
		}
	}

	got, _ := e.svc.GetByID(context.Background(), out.ID)
	if len(got.Notes) != 1 {
		t.Fatalf("expected one note after retries, got %d", len(got.Notes))
	}
}

func TestLegacyWebhookCompleteViaDisposition(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	e.reach(t, out.ID, "in-progress")

	w := e.postJSON(t, "/calls/webhook", `{"call_id":"`+out.ID+`","disposition":"completed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestLegacyWebhookCustomStageLabel(t *testing.T) {
	e := newTestEnv(t)

	out, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})

	w := e.postJSON(t, "/calls/webhook", `{"call_id":"`+out.ID+`","stage":"qualified"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Stage != "qualified" {
		t.Fatalf("expected stage label, got %q", got.Stage)
	}
	if got.Status != calls.CallStatusInitiated {
		t.Fatalf("expected status unchanged, got %s", got.Status)
	}
}

func TestListCallsFilters(t *testing.T) {
	e := newTestEnv(t)

	a, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+1"})
	b, _ := e.svc.CreateOutbound(context.Background(), registry.CreateOutboundInput{Phone: "+2"})
	_ = b
	e.reach(t, a.ID, "completed")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls?active=true", nil)
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Calls []calls.Call `json:"calls"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Calls[0].Phone != "+2" {
		t.Fatalf("expected one active call, got %+v", resp)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls?status=completed", nil)
	e.router.ServeHTTP(w, req)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Calls[0].Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed filter, got %+v", resp)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/calls?direction=sideways", nil)
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
