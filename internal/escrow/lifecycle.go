package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/sellers"
	"github.com/mbd888/tradehold/internal/traces"
)

// Side-effect kinds claimed once per order.
const (
	EffectInventory  = "inventory"
	EffectPaidNotify = "notify_paid"
)

// maxConvergeAttempts bounds re-reads after losing a compare-and-swap in the
// processor-driven transitions.
const maxConvergeAttempts = 3

// CheckoutRequest contains the parameters for creating an order.
type CheckoutRequest struct {
	BuyerID         string         `json:"-"`
	ProductID       string         `json:"productId" binding:"required"`
	Quantity        int            `json:"quantity" binding:"required"`
	ShippingCost    string         `json:"shippingCost"`
	ShippingAddress orders.Address `json:"shippingAddress"`
	Currency        string         `json:"currency"`

	shipping decimal.Decimal
}

func (r *CheckoutRequest) validate() error {
	if r.BuyerID == "" {
		return validation("buyer is required")
	}
	if r.ProductID == "" {
		return validation("productId is required")
	}
	if r.Quantity <= 0 {
		return validation("quantity must be positive")
	}
	r.shipping = decimal.Zero
	if strings.TrimSpace(r.ShippingCost) != "" {
		d, err := money.Parse(r.ShippingCost)
		if err != nil {
			return fmt.Errorf("%w: shippingCost: %w", ErrValidation, err)
		}
		r.shipping = d
	}
	if !r.ShippingAddress.Complete() {
		return validation("shipping address needs line1, city, postalCode and country")
	}
	return nil
}

// CheckoutResult is a freshly created order and the secret the buyer's
// client uses to confirm the payment intent.
type CheckoutResult struct {
	Order        *orders.Order `json:"order"`
	ClientSecret string        `json:"clientSecret"`
}

// Checkout creates a pending order with a frozen commission and its payment
// intent.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (res *CheckoutResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.checkout", traces.Actor(req.BuyerID))
	defer func() {
		observe("checkout", err)
		traces.End(span, err)
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}

	product, err := e.inventory.GetProduct(ctx, req.ProductID)
	if errors.Is(err, inventory.ErrNotFound) {
		return nil, validation("unknown product %s", req.ProductID)
	}
	if err != nil {
		return nil, err
	}
	if product.SellerID == req.BuyerID {
		return nil, validation("buyer and seller cannot be the same account")
	}
	if !product.UnitPrice.IsPositive() {
		return nil, validation("product %s has no price", product.ID)
	}
	if product.Available < req.Quantity {
		return nil, validation("only %d of product %s available", product.Available, product.ID)
	}

	seller, err := e.sellers.Get(ctx, product.SellerID)
	if errors.Is(err, sellers.ErrNotFound) {
		return nil, validation("unknown seller %s", product.SellerID)
	}
	if err != nil {
		return nil, err
	}

	// Catalogue prices are in the platform currency; charging in any other
	// would reinterpret the amount.
	currency := e.cfg.Currency
	if c := strings.TrimSpace(req.Currency); c != "" && !strings.EqualFold(c, currency) {
		return nil, validation("currency must be %s", currency)
	}

	unit := money.Round(product.UnitPrice)
	subtotal := money.Round(unit.Mul(decimal.NewFromInt(int64(req.Quantity))))
	total := subtotal.Add(req.shipping)
	now := e.now()

	o := &orders.Order{
		ID:                idgen.New(),
		BuyerID:           req.BuyerID,
		SellerID:          product.SellerID,
		ProductID:         product.ID,
		Quantity:          req.Quantity,
		UnitPrice:         unit,
		Subtotal:          subtotal,
		ShippingCost:      req.shipping,
		CommissionFee:     e.cfg.Commission.Commission(total, seller.Tier),
		TotalAmount:       total,
		Currency:          currency,
		SellerTier:        seller.Tier,
		Status:            orders.StatusPending,
		EscrowReleaseDate: now.Add(e.cfg.ReleaseWindow),
		DisputeDeadline:   now.Add(e.cfg.DisputeWindow),
		ShippingAddress:   req.ShippingAddress,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	pi, err := e.gateway.CreatePaymentIntent(ctx, payments.CreateIntentRequest{
		OrderID:        o.ID,
		BuyerID:        o.BuyerID,
		SellerID:       o.SellerID,
		Amount:         o.TotalAmount,
		Currency:       o.Currency,
		IdempotencyKey: "checkout-" + o.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	o.PaymentIntentID = pi.ID

	if err := e.store.CreateOrder(ctx, o); err != nil {
		// Best-effort cancel so the buyer cannot pay for an order that does not exist.
		if _, cerr := e.gateway.CancelPaymentIntent(ctx, pi.ID); cerr != nil {
			e.logger.Warn("orphaned payment intent", "payment_intent_id", pi.ID, "error", cerr)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.OrdersCreatedTotal.Inc()
	e.logger.Info("order created",
		"order_id", o.ID, "actor", o.BuyerID, "seller_id", o.SellerID,
		"total", money.Format(o.TotalAmount), "commission", money.Format(o.CommissionFee), "tier", o.SellerTier)
	return &CheckoutResult{Order: o, ClientSecret: pi.ClientSecret}, nil
}

// Confirmation is the outcome of a synchronous payment confirmation.
type Confirmation struct {
	Order        *orders.Order         `json:"order"`
	IntentStatus payments.IntentStatus `json:"intentStatus"`
	Transitioned bool                  `json:"transitioned"`
}

// ConfirmPayment asks the processor about the order's intent and applies the
// same transition the webhook would. Whichever path runs first wins; the
// other is a no-op.
func (e *Engine) ConfirmPayment(ctx context.Context, orderID, actor string) (c *Confirmation, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_payment", traces.OrderID(orderID), traces.Actor(actor))
	defer func() {
		observe("confirm_payment", err)
		traces.End(span, err)
	}()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: order %s has no payment intent", ErrInvalidState, orderID)
	}

	pi, err := e.gateway.RetrievePaymentIntent(ctx, o.PaymentIntentID)
	if err != nil {
		return nil, err
	}

	c = &Confirmation{Order: o, IntentStatus: pi.Status}
	switch pi.Status {
	case payments.IntentSucceeded:
		c.Order, c.Transitioned, err = e.MarkPaid(ctx, orderID, pi.PaymentMethodID, actor)
	case payments.IntentCanceled:
		c.Order, c.Transitioned, err = e.MarkCancelled(ctx, orderID, actor)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// converge applies a processor-driven event. It returns transitioned=false
// without error when the order is already at target (or, for paid, past
// it). Lost compare-and-swaps are re-read and re-evaluated.
func (e *Engine) converge(ctx context.Context, orderID string, ev orders.Event, target orders.Status, past func(orders.State) bool, build func(*orders.Order) orders.Update) (*orders.Order, bool, error) {
	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, false, err
		}
		st := o.State()
		if st.Status == target || (past != nil && past(st)) {
			return o, false, nil
		}
		next, err := orders.Transition(st, ev)
		if err != nil {
			return o, false, err
		}
		updated, err := e.store.UpdateOrderStatus(ctx, o.ID, o.Status, next, build(o))
		if errors.Is(err, orders.ErrConflict) && attempt+1 < maxConvergeAttempts {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	}
}

// pastPaid is true once payment has been captured, whatever happened next.
// An order frozen while pending still waits for its capture.
func pastPaid(s orders.State) bool {
	switch s.Status {
	case orders.StatusPending, orders.StatusCancelled:
		return false
	case orders.StatusDisputed:
		return !s.Unpaid
	}
	return true
}

// MarkPaid records captured payment: pending → paid with a hold entry for
// the total. When this call performs the transition it also decrements
// inventory and notifies both parties, each at most once per order.
func (e *Engine) MarkPaid(ctx context.Context, orderID, paymentMethodID, actor string) (o *orders.Order, transitioned bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.mark_paid", traces.OrderID(orderID), traces.Actor(actor))
	defer func() {
		observe("mark_paid", err)
		traces.End(span, err)
	}()

	o, transitioned, err = e.converge(ctx, orderID, orders.EventPaymentSucceeded, orders.StatusPaid, pastPaid,
		func(cur *orders.Order) orders.Update {
			now := e.now()
			upd := orders.Update{
				PaidAt: &now,
				Entry:  e.newTx(cur, orders.TxHold, cur.TotalAmount, actor, "", cur.PaymentIntentID),
			}
			if paymentMethodID != "" {
				upd.PaymentMethodID = &paymentMethodID
			}
			return upd
		})
	if err != nil || !transitioned {
		return o, false, err
	}

	e.logger.Info("order paid", "order_id", o.ID, "action", "mark_paid", "actor", actor, "total", money.Format(o.TotalAmount))
	e.paidEffects(ctx, o)
	return o, true, nil
}

// paidEffects performs the fan-out that follows a payment. Failures are
// logged and never undo the transition.
func (e *Engine) paidEffects(ctx context.Context, o *orders.Order) {
	if e.claim(ctx, o.ID, EffectInventory) {
		d, err := e.inventory.DecrementAvailable(ctx, o.ProductID, o.Quantity)
		switch {
		case err != nil:
			e.logger.Warn("inventory decrement failed", "order_id", o.ID, "product_id", o.ProductID, "error", err)
		case d.Clamped():
			e.logger.Warn("inventory clamped at zero",
				"order_id", o.ID, "product_id", o.ProductID, "quantity", o.Quantity, "shortfall", d.Shortfall)
		}
	}
	if e.claim(ctx, o.ID, EffectPaidNotify) {
		e.emitter.OrderPaid(o)
	}
}

func (e *Engine) claim(ctx context.Context, orderID, kind string) bool {
	won, err := e.store.ClaimSideEffect(ctx, orderID, kind)
	if err != nil {
		e.logger.Warn("side effect claim failed", "order_id", orderID, "kind", kind, "error", err)
		return false
	}
	return won
}

// MarkCancelled records a failed or cancelled payment: pending → cancelled.
func (e *Engine) MarkCancelled(ctx context.Context, orderID, actor string) (o *orders.Order, transitioned bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.mark_cancelled", traces.OrderID(orderID), traces.Actor(actor))
	defer func() {
		observe("mark_cancelled", err)
		traces.End(span, err)
	}()

	o, transitioned, err = e.converge(ctx, orderID, orders.EventPaymentFailed, orders.StatusCancelled, nil,
		func(*orders.Order) orders.Update { return orders.Update{} })
	if err != nil || !transitioned {
		return o, false, err
	}
	e.logger.Info("order cancelled", "order_id", o.ID, "action", "mark_cancelled", "actor", actor)
	e.emitter.PaymentFailed(o)
	return o, true, nil
}

// MarkDisputedByProcessor freezes an order because the buyer opened a
// dispute with their card issuer.
func (e *Engine) MarkDisputedByProcessor(ctx context.Context, orderID, reason string) (o *orders.Order, transitioned bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.mark_disputed", traces.OrderID(orderID), traces.Actor(orders.ActorProcessor))
	defer func() {
		observe("mark_disputed", err)
		traces.End(span, err)
	}()

	if reason == "" {
		reason = "processor dispute"
	}
	o, transitioned, err = e.converge(ctx, orderID, orders.EventChargeback, orders.StatusDisputed, nil,
		func(cur *orders.Order) orders.Update {
			return orders.Update{
				RequireUnreleased: true,
				Entry:             e.newTx(cur, orders.TxFreeze, cur.TotalAmount, orders.ActorProcessor, reason, ""),
			}
		})
	if err != nil || !transitioned {
		return o, false, err
	}
	e.logger.Info("order disputed by processor", "order_id", o.ID, "action", "mark_disputed", "reason", reason)
	e.emitter.OrderDisputed(o, reason)
	return o, true, nil
}

// MarkShipped records the seller's shipment: paid → shipped.
func (e *Engine) MarkShipped(ctx context.Context, orderID, trackingNumber, carrier, actor string) (o *orders.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ship", traces.OrderID(orderID), traces.Actor(actor))
	defer func() {
		observe("ship", err)
		traces.End(span, err)
	}()

	if strings.TrimSpace(trackingNumber) == "" {
		return nil, validation("trackingNumber is required")
	}

	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, err := orders.Transition(cur.State(), orders.EventShip)
	if err != nil {
		return nil, err
	}
	now := e.now()
	o, err = e.store.UpdateOrderStatus(ctx, orderID, cur.Status, next, orders.Update{
		TrackingNumber: &trackingNumber,
		Carrier:        &carrier,
		ShippedAt:      &now,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("order shipped", "order_id", orderID, "action", "ship", "actor", actor, "tracking", trackingNumber)
	e.emitter.OrderShipped(o)
	return o, nil
}

// ConfirmDelivery records the buyer's receipt: shipped → delivered. Funds
// stay held until release.
func (e *Engine) ConfirmDelivery(ctx context.Context, orderID, actor string) (o *orders.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_delivery", traces.OrderID(orderID), traces.Actor(actor))
	defer func() {
		observe("confirm_delivery", err)
		traces.End(span, err)
	}()

	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, err := orders.Transition(cur.State(), orders.EventConfirmDelivery)
	if err != nil {
		return nil, err
	}
	now := e.now()
	o, err = e.store.UpdateOrderStatus(ctx, orderID, cur.Status, next, orders.Update{DeliveredAt: &now})
	if err != nil {
		return nil, err
	}
	e.logger.Info("delivery confirmed", "order_id", orderID, "action", "confirm_delivery", "actor", actor)
	e.emitter.OrderDelivered(o)
	return o, nil
}
