package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"call-orchestrator/internal/config"
)

// TwilioDialer places outbound calls through the Twilio REST API.
//
// It deliberately avoids the provider SDK: the surface we need is two form
// POSTs. Credentials and callback URLs come from config; nothing here reads
// env directly.
type TwilioDialer struct {
	accountSID string
	authToken  string
	fromNumber string

	// publicBaseURL is where Twilio delivers answer/status callbacks.
	publicBaseURL string

	apiBaseURL string
	httpClient *http.Client
}

func NewTwilioDialer(cfg config.TwilioConfig, publicBaseURL string) *TwilioDialer {
	return &TwilioDialer{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		fromNumber:    cfg.FromNumber,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		apiBaseURL:    "https://api.twilio.com",
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *TwilioDialer) Name() string { return "twilio" }

func (d *TwilioDialer) HealthCheck(ctx context.Context) error {
	if d.accountSID == "" || d.authToken == "" || d.fromNumber == "" {
		return fmt.Errorf("telephony: twilio credentials incomplete")
	}
	return nil
}

func (d *TwilioDialer) StartCall(ctx context.Context, req StartCallRequest) error {
	if req.To == "" || req.CallID == "" {
		return fmt.Errorf("telephony: to and call_id required")
	}

	answerURL := fmt.Sprintf("%s/webhooks/twilio/voice/answer?call_id=%s", d.publicBaseURL, url.QueryEscape(req.CallID))
	statusURL := fmt.Sprintf("%s/webhooks/twilio/voice/status?call_id=%s", d.publicBaseURL, url.QueryEscape(req.CallID))

	form := url.Values{}
	form.Set("From", d.fromNumber)
	form.Set("To", req.To)
	form.Set("Url", answerURL)
	form.Set("StatusCallback", statusURL)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	if req.TimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}

	return d.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", d.accountSID), form)
}

func (d *TwilioDialer) TransferCall(ctx context.Context, req TransferCallRequest) error {
	if req.ProviderCallID == "" || req.To == "" {
		return fmt.Errorf("telephony: provider_call_id and to required")
	}

	twiml, err := RenderDial(req.To)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("Twiml", twiml)

	return d.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", d.accountSID, req.ProviderCallID), form)
}

func (d *TwilioDialer) post(ctx context.Context, path string, form url.Values) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.SetBasicAuth(d.accountSID, d.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telephony: twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("telephony: twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
