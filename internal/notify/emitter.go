package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/orders"
)

// Emitter turns order events into buyer and seller notifications. All
// methods are fire-and-forget: delivery runs in the background and errors
// are logged and counted, never returned.
type Emitter struct {
	n       Notifier
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter delivering through n.
func NewEmitter(n Notifier, logger *slog.Logger) *Emitter {
	return &Emitter{n: n, logger: logger, timeout: 30 * time.Second}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

func (e *Emitter) emit(kind Kind, o *orders.Order, data map[string]string) {
	if e == nil || e.n == nil {
		return
	}
	now := time.Now().UTC()
	batch := []Notification{
		{ID: idgen.WithPrefix(idgen.PrefixNotification), Kind: kind, OrderID: o.ID, Recipient: o.BuyerID, Role: RoleBuyer, Data: data, CreatedAt: now},
		{ID: idgen.WithPrefix(idgen.PrefixNotification), Kind: kind, OrderID: o.ID, Recipient: o.SellerID, Role: RoleSeller, Data: data, CreatedAt: now},
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		channel := channelOf(e.n)
		for _, n := range batch {
			if err := e.n.Notify(ctx, n); err != nil {
				metrics.NotificationsTotal.WithLabelValues(channel, "error").Inc()
				e.logger.Warn("notification failed",
					"kind", n.Kind, "order_id", n.OrderID, "recipient", n.Recipient, "error", err)
				continue
			}
			metrics.NotificationsTotal.WithLabelValues(channel, "ok").Inc()
		}
	}()
}

func orderData(o *orders.Order) map[string]string {
	return map[string]string{
		"status":      string(o.Status),
		"totalAmount": money.Format(o.TotalAmount),
		"currency":    o.Currency,
	}
}

// OrderPaid tells both parties the buyer's payment was captured.
func (e *Emitter) OrderPaid(o *orders.Order) {
	e.emit(KindOrderPaid, o, orderData(o))
}

// PaymentFailed tells both parties the order was cancelled.
func (e *Emitter) PaymentFailed(o *orders.Order) {
	e.emit(KindPaymentFailed, o, orderData(o))
}

// OrderShipped tells both parties the seller shipped.
func (e *Emitter) OrderShipped(o *orders.Order) {
	d := orderData(o)
	d["trackingNumber"] = o.TrackingNumber
	d["carrier"] = o.Carrier
	e.emit(KindOrderShipped, o, d)
}

// OrderDelivered tells both parties delivery was confirmed.
func (e *Emitter) OrderDelivered(o *orders.Order) {
	e.emit(KindOrderDelivered, o, orderData(o))
}

// OrderDisputed tells both parties a dispute froze the funds.
func (e *Emitter) OrderDisputed(o *orders.Order, reason string) {
	d := orderData(o)
	d["reason"] = reason
	e.emit(KindOrderDisputed, o, d)
}

// FundsReleased tells both parties the seller was paid.
func (e *Emitter) FundsReleased(o *orders.Order) {
	d := orderData(o)
	d["netAmount"] = money.Format(o.NetToSeller())
	e.emit(KindFundsReleased, o, d)
}

// FundsRefunded tells both parties the buyer was refunded.
func (e *Emitter) FundsRefunded(o *orders.Order, reason string) {
	d := orderData(o)
	d["reason"] = reason
	e.emit(KindFundsRefunded, o, d)
}

// FundsFrozen tells both parties an admin froze the funds.
func (e *Emitter) FundsFrozen(o *orders.Order, reason string) {
	d := orderData(o)
	d["reason"] = reason
	e.emit(KindFundsFrozen, o, d)
}
