package escrow

import (
	"errors"
	"fmt"

	"github.com/mbd888/tradehold/internal/authz"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not authorized for this escrow operation")

	ErrNotFound        = orders.ErrNotFound
	ErrConflict        = orders.ErrConflict
	ErrInvalidState    = orders.ErrInvalidState
	ErrExternalService = payments.ErrProcessor
	ErrSignature       = payments.ErrSignature
)

func validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DeniedError is an authorization refusal carrying the guard's reason tag.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "denied: " + e.Reason
}

// Unwrap maps the reason onto the error taxonomy.
func (e *DeniedError) Unwrap() error {
	switch e.Reason {
	case authz.ReasonUnauthenticated:
		return ErrUnauthenticated
	case authz.ReasonReasonRequired:
		return ErrValidation
	}
	return ErrForbidden
}

// IsExternal reports whether err came from the payment processor.
func IsExternal(err error) bool {
	return errors.Is(err, payments.ErrProcessor) || errors.Is(err, payments.ErrSignature)
}

// resultLabel buckets an operation outcome for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	case IsExternal(err):
		return "processor_error"
	default:
		return "error"
	}
}
