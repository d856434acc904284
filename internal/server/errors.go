package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/sellers"
	"github.com/mbd888/tradehold/internal/validation"
)

// statusFor maps the escrow error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, escrow.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, escrow.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, sellers.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict, "conflict"
	case escrow.IsExternal(err):
		return http.StatusBadGateway, "payment_processor_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError responds with the mapped status. Server-side failures are
// logged and their details withheld from the caller.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusBadGateway:
		logging.L(c.Request.Context()).Warn("payment processor failure", "path", c.FullPath(), "error", err)
		msg = "The payment processor is unavailable. Try again later."
	case status >= http.StatusInternalServerError:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "An unexpected error occurred"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": msg})
}
