package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/httpkit"
	"reminder_calls_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
	SignatureHeader = "X-Webhook-Signature"

	ctxKeyVerified = "webhookVerified"
	ctxKeyBody     = "webhookBody"

	maxBodyBytes = 1 << 20
)

// Sign returns the signature a sender computes for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureMiddleware reads the raw body once and checks its signature.
// With a secret configured, a missing or wrong signature is rejected. Without
// one, requests pass through marked unverified.
func SignatureMiddleware(secret string, log *logger.Logger) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(ctxKeyBody, body)

		if len(key) == 0 {
			c.Set(ctxKeyVerified, false)
			c.Next()
			return
		}

		reqLog := log.WithContext(c.Request.Context())
		provided := strings.TrimSpace(c.GetHeader(SignatureHeader))
		got, err := hex.DecodeString(strings.TrimPrefix(provided, "sha256="))
		if provided == "" || err != nil {
			reqLog.Warn("webhook signature missing or malformed", "clientIp", c.ClientIP())
			rejectSignature(c)
			return
		}

		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		if !hmac.Equal(got, mac.Sum(nil)) {
			reqLog.Warn("webhook signature mismatch", "clientIp", c.ClientIP())
			rejectSignature(c)
			return
		}

		c.Set(ctxKeyVerified, true)
		c.Next()
	}
}

func rejectSignature(c *gin.Context) {
	httpkit.HandleError(c, apperr.Unauthorized("invalid signature"))
	c.Abort()
}
