// Package webhooks ingests payment processor notifications.
//
// Handling is split in three: the gateway verifies the signature and
// decodes the event, Decide maps the event to an action without touching
// any state, and the Processor applies that action through the escrow
// engine. Delivery is at-least-once; every action is safe to repeat.
package webhooks

import (
	"github.com/mbd888/tradehold/internal/payments"
)

// Action is what an inbound event asks the service to do.
type Action string

const (
	ActionIgnore       Action = "ignore"
	ActionLog          Action = "log"
	ActionMarkPaid     Action = "mark_paid"
	ActionMarkCanceled Action = "mark_cancelled"
	ActionMarkDisputed Action = "mark_disputed"
)

// Decision is the pure outcome of looking at an event.
type Decision struct {
	Action Action
	// PaymentIntentID locates the order. Empty for events that do not
	// reference one.
	PaymentIntentID string
	PaymentMethodID string
	Reason          string
}

// NeedsOrder reports whether the action applies to an order.
func (d Decision) NeedsOrder() bool {
	switch d.Action {
	case ActionMarkPaid, ActionMarkCanceled, ActionMarkDisputed:
		return true
	}
	return false
}

// Decide maps a verified event to an action.
func Decide(ev *payments.Event) Decision {
	d := Decision{PaymentIntentID: ev.PaymentIntentID}
	switch ev.Type {
	case payments.EventPaymentSucceeded:
		d.Action = ActionMarkPaid
		d.PaymentMethodID = ev.PaymentMethodID
	case payments.EventPaymentFailed, payments.EventPaymentCanceled:
		d.Action = ActionMarkCanceled
	case payments.EventDisputeCreated:
		d.Action = ActionMarkDisputed
		d.Reason = "processor dispute"
		if ev.DisputeReason != "" {
			d.Reason = "processor dispute: " + ev.DisputeReason
		}
	case payments.EventTransferCreated:
		d.Action = ActionLog
	default:
		d.Action = ActionIgnore
	}
	return d
}
