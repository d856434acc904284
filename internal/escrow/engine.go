// Package escrow holds buyer funds for marketplace orders until they are
// released to the seller or refunded.
//
// Flow:
//  1. Checkout creates a pending order and a payment intent
//  2. The processor confirms payment (webhook or sync confirm) → paid, funds held
//  3. Seller ships, buyer confirms delivery (optional)
//  4. Release → net of commission transferred to the seller
//  5. Refund → full total back to the buyer
//  6. Freeze → disputed, held until an admin resolves it
//
// Funds-moving processor calls happen before the status write. Every
// status write is a compare-and-swap on the current status, so concurrent
// attempts on one order cannot both succeed.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/idgen"
	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/notify"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/sellers"
	"github.com/mbd888/tradehold/internal/syncutil"
	"github.com/mbd888/tradehold/internal/traces"
)

// Default windows measured from order creation.
const (
	DefaultReleaseWindow = 7 * 24 * time.Hour
	DefaultDisputeWindow = 3 * 24 * time.Hour
	DefaultCurrency      = "usd"
)

// Resolutions accepted by ResolveDispute.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Config tunes the engine.
type Config struct {
	Commission    *money.CommissionTable
	ReleaseWindow time.Duration
	DisputeWindow time.Duration
	Currency      string
}

func (c *Config) defaults() {
	if c.Commission == nil {
		c.Commission, _ = money.NewCommissionTable(nil)
	}
	if c.ReleaseWindow <= 0 {
		c.ReleaseWindow = DefaultReleaseWindow
	}
	if c.DisputeWindow <= 0 {
		c.DisputeWindow = DefaultDisputeWindow
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
}

// Engine implements the escrow lifecycle.
type Engine struct {
	store     orders.Store
	gateway   payments.Gateway
	sellers   sellers.Store
	inventory inventory.Store
	emitter   *notify.Emitter
	cfg       Config
	logger    *slog.Logger
	locks     *syncutil.KeyLock
	now       func() time.Time
}

// NewEngine creates an escrow engine.
func NewEngine(store orders.Store, gateway payments.Gateway, sellerStore sellers.Store, inv inventory.Store, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		store:     store,
		gateway:   gateway,
		sellers:   sellerStore,
		inventory: inv,
		cfg:       cfg,
		logger:    logger,
		locks:     syncutil.NewKeyLock(0),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithEmitter adds buyer/seller notifications.
func (e *Engine) WithEmitter(em *notify.Emitter) *Engine {
	e.emitter = em
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Result is the outcome of a funds-moving operation.
type Result struct {
	Order       *orders.Order       `json:"order"`
	Transaction *orders.Transaction `json:"transaction"`
}

func (e *Engine) lock(ctx context.Context, orderID string) (func(), error) {
	unlock, err := e.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("waiting for order %s: %w", orderID, err)
	}
	return unlock, nil
}

func (e *Engine) newTx(o *orders.Order, typ orders.TransactionType, amount decimal.Decimal, actor, reason, ref string) *orders.Transaction {
	return &orders.Transaction{
		ID:          idgen.WithPrefix(idgen.PrefixTransaction),
		OrderID:     o.ID,
		Type:        typ,
		Amount:      money.Round(amount),
		Actor:       actor,
		Reason:      reason,
		ExternalRef: ref,
		CreatedAt:   e.now(),
	}
}

func observe(action string, err error) {
	metrics.EscrowOperationsTotal.WithLabelValues(action, resultLabel(err)).Inc()
}

func (e *Engine) observeHold(o *orders.Order) {
	if o.PaidAt != nil {
		metrics.EscrowHoldDuration.Observe(e.now().Sub(*o.PaidAt).Seconds())
	}
}

// ReleaseFunds pays the seller the order total minus the frozen commission.
// Valid from paid, shipped, or delivered before payout.
func (e *Engine) ReleaseFunds(ctx context.Context, orderID, processedBy string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.OrderID(orderID), traces.Actor(processedBy))
	defer func() {
		observe("release", err)
		traces.End(span, err)
	}()

	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := orders.Transition(o.State(), orders.EventRelease); err != nil {
		return nil, err
	}
	return e.payout(ctx, o, processedBy, "")
}

// payout transfers the net amount and then moves the order to delivered
// with a release entry. Callers hold the order lock and have validated the
// transition.
func (e *Engine) payout(ctx context.Context, o *orders.Order, processedBy, reason string) (*Result, error) {
	seller, err := e.sellers.Get(ctx, o.SellerID)
	if err != nil {
		return nil, fmt.Errorf("seller %s: %w", o.SellerID, err)
	}
	if seller.PayoutAccount == "" {
		return nil, validation("seller %s has no payout account", o.SellerID)
	}

	net := o.NetToSeller()
	transfer, err := e.gateway.TransferToSeller(ctx, payments.TransferRequest{
		OrderID:        o.ID,
		Destination:    seller.PayoutAccount,
		Amount:         net,
		Currency:       o.Currency,
		IdempotencyKey: "release-" + o.ID,
	})
	if err != nil {
		e.logger.Error("seller transfer failed",
			"order_id", o.ID, "action", "release", "actor", processedBy, "amount", money.Format(net), "error", err)
		return nil, fmt.Errorf("release order %s: %w", o.ID, err)
	}

	now := e.now()
	tx := e.newTx(o, orders.TxRelease, net, processedBy, reason, transfer.ID)
	upd := orders.Update{ReleasedAt: &now, RequireUnreleased: true, Entry: tx}
	if o.DeliveredAt == nil {
		upd.DeliveredAt = &now
	}
	updated, err := e.store.UpdateOrderStatus(ctx, o.ID, o.Status, orders.StatusDelivered, upd)
	if err != nil {
		// The transfer carries an idempotency key, so a retry converges on
		// the same payout rather than paying twice.
		e.logger.Error("transfer issued but release not recorded",
			"order_id", o.ID, "action", "release", "actor", processedBy, "transfer_id", transfer.ID, "error", err)
		return nil, fmt.Errorf("record release of order %s: %w", o.ID, err)
	}

	metrics.EscrowReleasedAmount.Add(net.InexactFloat64())
	e.observeHold(o)
	e.logger.Info("funds released",
		"order_id", o.ID, "action", "release", "actor", processedBy,
		"seller_id", o.SellerID, "net", money.Format(net), "transfer_id", transfer.ID)
	e.emitter.FundsReleased(updated)
	return &Result{Order: updated, Transaction: tx}, nil
}

// RefundFunds returns the full total to the buyer. A pending order has no
// capture yet, so its payment intent is cancelled and the refund entry
// records zero.
func (e *Engine) RefundFunds(ctx context.Context, orderID, reason, processedBy string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.OrderID(orderID), traces.Actor(processedBy))
	defer func() {
		observe("refund", err)
		traces.End(span, err)
	}()

	if reason == "" {
		return nil, validation("refund reason is required")
	}

	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := orders.Transition(o.State(), orders.EventRefund); err != nil {
		return nil, err
	}
	return e.refund(ctx, o, reason, processedBy)
}

func (e *Engine) refund(ctx context.Context, o *orders.Order, reason, processedBy string) (*Result, error) {
	amount := o.TotalAmount
	var ref string

	switch {
	case o.Status == orders.StatusPending, o.State().UnpaidDispute():
		amount = decimal.Zero
		if o.PaymentIntentID != "" {
			pi, err := e.gateway.CancelPaymentIntent(ctx, o.PaymentIntentID)
			if err != nil {
				e.logger.Error("payment intent cancel failed",
					"order_id", o.ID, "action", "refund", "actor", processedBy, "error", err)
				return nil, fmt.Errorf("refund order %s: %w", o.ID, err)
			}
			ref = pi.ID
		}
	default:
		r, err := e.gateway.RefundBuyer(ctx, payments.RefundRequest{
			OrderID:         o.ID,
			PaymentIntentID: o.PaymentIntentID,
			Amount:          o.TotalAmount,
			Reason:          reason,
			IdempotencyKey:  "refund-" + o.ID,
		})
		if err != nil {
			e.logger.Error("buyer refund failed",
				"order_id", o.ID, "action", "refund", "actor", processedBy, "error", err)
			return nil, fmt.Errorf("refund order %s: %w", o.ID, err)
		}
		ref = r.ID
	}

	tx := e.newTx(o, orders.TxRefund, amount, processedBy, reason, ref)
	updated, err := e.store.UpdateOrderStatus(ctx, o.ID, o.Status, orders.StatusRefunded, orders.Update{
		RequireUnreleased: true,
		Entry:             tx,
	})
	if err != nil {
		e.logger.Error("refund issued but not recorded",
			"order_id", o.ID, "action", "refund", "actor", processedBy, "external_ref", ref, "error", err)
		return nil, fmt.Errorf("record refund of order %s: %w", o.ID, err)
	}

	metrics.EscrowRefundedAmount.Add(amount.InexactFloat64())
	e.observeHold(o)
	e.logger.Info("funds refunded",
		"order_id", o.ID, "action", "refund", "actor", processedBy,
		"amount", money.Format(amount), "reason", reason)
	e.emitter.FundsRefunded(updated, reason)
	return &Result{Order: updated, Transaction: tx}, nil
}

// FreezeFunds moves any non-terminal order into dispute. An empty reason
// becomes "dispute-<unix seconds>". Freezing an already disputed order
// returns it unchanged with no new transaction. A pending order frozen
// before payment records a zero freeze and can later only be refunded.
func (e *Engine) FreezeFunds(ctx context.Context, orderID, reason, processedBy string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.freeze", traces.OrderID(orderID), traces.Actor(processedBy))
	defer func() {
		observe("freeze", err)
		traces.End(span, err)
	}()

	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := orders.Transition(o.State(), orders.EventDispute); err != nil {
		return nil, err
	}
	if o.Status == orders.StatusDisputed {
		return &Result{Order: o}, nil
	}
	if reason == "" {
		reason = "dispute-" + strconv.FormatInt(e.now().Unix(), 10)
	}

	held := o.TotalAmount
	if o.PaidAt == nil {
		held = decimal.Zero
	}
	tx := e.newTx(o, orders.TxFreeze, held, processedBy, reason, "")
	updated, err := e.store.UpdateOrderStatus(ctx, o.ID, o.Status, orders.StatusDisputed, orders.Update{
		RequireUnreleased: true,
		Entry:             tx,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("funds frozen", "order_id", o.ID, "action", "freeze", "actor", processedBy, "reason", reason)
	e.emitter.FundsFrozen(updated, reason)
	return &Result{Order: updated, Transaction: tx}, nil
}

// ResolveDispute settles a disputed order: resolution "release" pays the
// seller, "refund" returns the total to the buyer.
func (e *Engine) ResolveDispute(ctx context.Context, orderID, resolution, reason, processedBy string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve", traces.OrderID(orderID), traces.Actor(processedBy), traces.Action(resolution))
	defer func() {
		observe("resolve", err)
		traces.End(span, err)
	}()

	var ev orders.Event
	switch resolution {
	case ResolutionRelease:
		ev = orders.EventResolveRelease
	case ResolutionRefund:
		ev = orders.EventResolveRefund
		if reason == "" {
			return nil, validation("refund resolution requires a reason")
		}
	default:
		return nil, validation("resolution must be %q or %q", ResolutionRelease, ResolutionRefund)
	}

	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := orders.Transition(o.State(), ev); err != nil {
		return nil, err
	}

	if resolution == ResolutionRelease {
		return e.payout(ctx, o, processedBy, reason)
	}
	return e.refund(ctx, o, reason, processedBy)
}
