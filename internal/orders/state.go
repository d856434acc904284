package orders

import (
	"errors"
	"fmt"
)

// Status is an order's position in the payment lifecycle. An order has
// exactly one status at any time.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting payment
	StatusPaid      Status = "paid"      // Payment captured, funds held
	StatusShipped   Status = "shipped"   // Seller shipped, funds held
	StatusDelivered Status = "delivered" // Delivered; funds released once ReleasedAt is set
	StatusCancelled Status = "cancelled" // Payment failed or was cancelled
	StatusDisputed  Status = "disputed"  // Funds frozen pending admin resolution
	StatusRefunded  Status = "refunded"  // Buyer refunded
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusPending, StatusPaid, StatusShipped, StatusDelivered,
	StatusCancelled, StatusDisputed, StatusRefunded,
}

// Valid reports whether s is one of the seven defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered,
		StatusCancelled, StatusDisputed, StatusRefunded:
		return true
	}
	return false
}

// Event is something that moves an order between statuses.
type Event string

const (
	EventPaymentSucceeded Event = "payment_succeeded"
	EventPaymentFailed    Event = "payment_failed"
	EventShip             Event = "ship"
	EventConfirmDelivery  Event = "confirm_delivery"
	EventRelease          Event = "release"
	EventDispute          Event = "dispute"
	EventChargeback       Event = "chargeback"
	EventRefund           Event = "refund"
	EventResolveRelease   Event = "resolve_release"
	EventResolveRefund    Event = "resolve_refund"
)

// State is the part of an order the state machine looks at: its status,
// whether the seller has already been paid out, and whether a capture was
// ever recorded.
type State struct {
	Status   Status
	Released bool
	// Unpaid marks an order that reached its status without a recorded
	// capture. It only changes behaviour for disputed orders frozen while
	// still pending.
	Unpaid bool
}

// Terminal reports whether no further escrow transition is possible.
func (s State) Terminal() bool {
	switch s.Status {
	case StatusCancelled, StatusRefunded:
		return true
	case StatusDelivered:
		return s.Released
	}
	return false
}

// HoldsFunds reports whether buyer money is captured and not yet paid out.
func (s State) HoldsFunds() bool {
	switch s.Status {
	case StatusPaid, StatusShipped:
		return true
	case StatusDelivered:
		return !s.Released
	}
	return false
}

// UnpaidDispute reports whether the order was frozen before any payment
// was captured. Such an order can only be refunded, which cancels the
// intent.
func (s State) UnpaidDispute() bool {
	return s.Status == StatusDisputed && s.Unpaid
}

// TransitionError is returned when an event is not allowed from a state.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	from := string(e.From.Status)
	if e.From.Status == StatusDelivered && e.From.Released {
		from = "delivered (released)"
	}
	return fmt.Sprintf("cannot apply %s to order in status %s", e.Event, from)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidState).
func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// Transition returns the status an order moves to when ev is applied in
// state s, or a *TransitionError if the edge does not exist.
func Transition(s State, ev Event) (Status, error) {
	reject := func() (Status, error) {
		return "", &TransitionError{From: s, Event: ev}
	}

	switch ev {
	case EventPaymentSucceeded:
		if s.Status == StatusPending {
			return StatusPaid, nil
		}
		if s.UnpaidDispute() {
			return StatusDisputed, nil
		}
	case EventPaymentFailed:
		if s.Status == StatusPending {
			return StatusCancelled, nil
		}
	case EventShip:
		if s.Status == StatusPaid {
			return StatusShipped, nil
		}
	case EventConfirmDelivery:
		if s.Status == StatusShipped {
			return StatusDelivered, nil
		}
	case EventRelease:
		if s.HoldsFunds() {
			return StatusDelivered, nil
		}
	case EventDispute:
		if !s.Terminal() {
			return StatusDisputed, nil
		}
	case EventChargeback:
		if s.HoldsFunds() {
			return StatusDisputed, nil
		}
	case EventRefund:
		if s.Status == StatusPending || s.Status == StatusDisputed || s.HoldsFunds() {
			return StatusRefunded, nil
		}
	case EventResolveRelease:
		if s.Status == StatusDisputed && !s.Unpaid {
			return StatusDelivered, nil
		}
	case EventResolveRefund:
		if s.Status == StatusDisputed {
			return StatusRefunded, nil
		}
	default:
		return "", fmt.Errorf("orders: unknown event %q", ev)
	}
	return reject()
}

// IsTransitionError reports whether err is a rejected transition.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
