// Package notify delivers order lifecycle notifications to buyers and
// sellers. Delivery is best-effort: callers go through Emitter, which never
// returns an error and never blocks the escrow state change that caused it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind names a notification.
type Kind string

const (
	KindOrderPaid      Kind = "order.paid"
	KindPaymentFailed  Kind = "order.payment_failed"
	KindOrderShipped   Kind = "order.shipped"
	KindOrderDelivered Kind = "order.delivered"
	KindOrderDisputed  Kind = "order.disputed"
	KindFundsReleased  Kind = "escrow.released"
	KindFundsRefunded  Kind = "escrow.refunded"
	KindFundsFrozen    Kind = "escrow.frozen"
)

// Recipient roles.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Notification is one message to one party of an order.
type Notification struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	OrderID   string            `json:"orderId"`
	Recipient string            `json:"recipient"`
	Role      string            `json:"role"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers a notification somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Named is implemented by notifiers that want their own metrics label.
type Named interface {
	Channel() string
}

func channelOf(n Notifier) string {
	if c, ok := n.(Named); ok {
		return c.Channel()
	}
	return "unknown"
}

// LogNotifier writes notifications to the log. It is the default channel
// when nothing else is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("notification",
		"kind", n.Kind, "order_id", n.OrderID, "recipient", n.Recipient, "role", n.Role)
	return nil
}

func (l *LogNotifier) Channel() string { return "log" }

// Fanout sends every notification to all of its notifiers. One channel
// failing does not stop the others; the errors are joined.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Channel() string { return "fanout" }
