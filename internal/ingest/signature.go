package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"

	"github.com/gin-gonic/gin"

	"call-orchestrator/pkg/logger"
)

const headerTwilioSignature = "X-Twilio-Signature"

// RequireTwilioSignature verifies the X-Twilio-Signature header on provider
// callbacks. Twilio signs the full callback URL concatenated with the sorted
// POST parameters using the account auth token (HMAC-SHA1, base64).
//
// The URL is rebuilt from publicBaseURL because the process usually sits
// behind a proxy that rewrites scheme and host.
func RequireTwilioSignature(authToken, publicBaseURL string, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		sig := c.GetHeader(headerTwilioSignature)
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}

		fullURL := publicBaseURL + c.Request.URL.RequestURI()
		expected := TwilioSignature(authToken, fullURL, c.Request.PostForm)
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			logger.FromGin(c).Warn("twilio signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

// TwilioSignature computes the expected signature for a callback: the URL
// followed by each POST parameter key and value in key order.
func TwilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(form.Get(k)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
