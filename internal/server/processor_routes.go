package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/scheduler"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

// paymentWebhook handles POST /webhooks/payment. Every verified event is
// acknowledged with 200 unless applying it failed unexpectedly, so the
// processor only retries what might succeed later.
func (s *Server) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "could not read request body")
		return
	}
	sig := c.GetHeader(SignatureHeader)
	if sig == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "missing " + SignatureHeader + " header"})
		return
	}

	res, err := s.processor.Handle(c.Request.Context(), payload, sig)
	switch {
	case errors.Is(err, payments.ErrSignature):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "webhook signature verification failed"})
		return
	case errors.Is(err, payments.ErrMalformedEvent):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed_event", "message": err.Error()})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "eventId": res.EventID, "outcome": res.Outcome})
}

// autoRelease handles POST /cron/auto-release, authenticated with the cron
// shared secret rather than a user key.
func (s *Server) autoRelease(c *gin.Context) {
	if s.cfg.CronSecret == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"success": false, "error": "cron_disabled", "message": "CRON_SECRET is not configured",
		})
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false, "error": "unauthorized", "message": "invalid cron secret",
		})
		return
	}

	sum, err := s.sweeper.RunOnce(c.Request.Context())
	now := time.Now().UTC().Format(time.RFC3339)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{
			"success": false, "message": "an auto-release sweep is already running", "timestamp": now,
		})
	case err != nil:
		logging.L(c.Request.Context()).Error("auto-release sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false, "message": "auto-release sweep failed", "timestamp": now,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"message":   autoReleaseMessage(sum),
			"timestamp": now,
			"summary":   sum,
		})
	}
}

func autoReleaseMessage(sum *scheduler.Summary) string {
	if sum.Eligible == 0 {
		return "no orders due for release"
	}
	msg := fmt.Sprintf("released %d of %d orders", sum.Released, sum.Eligible)
	if n := len(sum.Failed); n > 0 {
		msg += fmt.Sprintf(", %d failed", n)
	}
	return msg
}

// cronMethodNotAllowed rejects GET so the sweep cannot be triggered by a link.
func (s *Server) cronMethodNotAllowed(c *gin.Context) {
	c.Header("Allow", http.MethodPost)
	c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{
		"success": false, "error": "method_not_allowed", "message": "use POST",
	})
}
