package ingest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

const testAuthToken = "12345abcde"

func signedRouter(enabled bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireTwilioSignature(testAuthToken, "https://calls.example.com", enabled))
	r.POST("/webhooks/twilio/voice/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func signedRequest(form url.Values, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice/status?call_id=c1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(headerTwilioSignature, signature)
	}
	return req
}

func TestTwilioSignatureAccepted(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA500")
	form.Set("CallStatus", "completed")

	sig := TwilioSignature(testAuthToken, "https://calls.example.com/webhooks/twilio/voice/status?call_id=c1", form)

	w := httptest.NewRecorder()
	signedRouter(true).ServeHTTP(w, signedRequest(form, sig))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTwilioSignatureRejected(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA500")
	form.Set("CallStatus", "completed")

	// Signature computed over different parameters.
	tampered := url.Values{}
	tampered.Set("CallSid", "CA999")
	sig := TwilioSignature(testAuthToken, "https://calls.example.com/webhooks/twilio/voice/status?call_id=c1", tampered)

	w := httptest.NewRecorder()
	signedRouter(true).ServeHTTP(w, signedRequest(form, sig))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestTwilioSignatureMissingHeader(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA500")

	w := httptest.NewRecorder()
	signedRouter(true).ServeHTTP(w, signedRequest(form, ""))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestTwilioSignatureDisabledPassesThrough(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA500")

	w := httptest.NewRecorder()
	signedRouter(false).ServeHTTP(w, signedRequest(form, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
