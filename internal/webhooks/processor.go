package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/traces"
)

// Outcomes recorded per event.
const (
	OutcomeApplied    = "applied"
	OutcomeNoop       = "noop"
	OutcomeIgnored    = "ignored"
	OutcomeLogged     = "logged"
	OutcomeUnresolved = "unresolved"
	OutcomeDropped    = "dropped"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// Verifier checks a payload's signature and decodes it.
type Verifier interface {
	VerifyWebhookSignature(payload []byte, signature string) (*payments.Event, error)
}

// OrderFinder resolves the order an event refers to.
type OrderFinder interface {
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*orders.Order, error)
}

// Transitions are the processor-driven engine operations. Each returns
// transitioned=false when the order is already where the event would take it.
type Transitions interface {
	MarkPaid(ctx context.Context, orderID, paymentMethodID, actor string) (*orders.Order, bool, error)
	MarkCancelled(ctx context.Context, orderID, actor string) (*orders.Order, bool, error)
	MarkDisputedByProcessor(ctx context.Context, orderID, reason string) (*orders.Order, bool, error)
}

// Result describes how one event was handled.
type Result struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Action  Action `json:"action"`
	OrderID string `json:"orderId,omitempty"`
	Outcome string `json:"outcome"`
}

// Processor verifies and applies inbound events one at a time.
type Processor struct {
	verifier Verifier
	orders   OrderFinder
	engine   Transitions
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewProcessor creates a webhook processor.
func NewProcessor(verifier Verifier, finder OrderFinder, engine Transitions, logger *slog.Logger) *Processor {
	return &Processor{verifier: verifier, orders: finder, engine: engine, logger: logger}
}

// Handle verifies payload and applies it. Signature and decode failures
// return an error wrapping payments.ErrSignature or
// payments.ErrMalformedEvent and change nothing. Events that cannot be tied
// to an order, and transitions the order's state does not allow, are
// logged and acknowledged. Any other error is unexpected.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (res *Result, err error) {
	ev, err := p.verifier.VerifyWebhookSignature(payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", OutcomeRejected).Inc()
		p.logger.Warn("webhook rejected", "error", err)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "webhooks.handle", traces.EventType(ev.Type))
	defer func() { traces.End(span, err) }()

	res = &Result{EventID: ev.ID, Type: ev.Type}
	defer func() {
		outcome := OutcomeFailed
		if err == nil {
			outcome = res.Outcome
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
	}()

	d := Decide(ev)
	res.Action = d.Action
	log := p.logger.With("event_id", ev.ID, "event_type", ev.Type)

	switch d.Action {
	case ActionIgnore:
		res.Outcome = OutcomeIgnored
		log.Debug("webhook event ignored")
		return res, nil
	case ActionLog:
		res.Outcome = OutcomeLogged
		log.Info("processor event", "object_id", ev.ObjectID, "amount", ev.Amount.StringFixed(2),
			"order_id", ev.Metadata[payments.MetaOrderID])
		return res, nil
	}

	o, err := p.resolve(ctx, ev, d)
	if errors.Is(err, orders.ErrNotFound) {
		res.Outcome = OutcomeUnresolved
		log.Warn("webhook event has no matching order",
			"payment_intent_id", d.PaymentIntentID, "metadata_order_id", ev.Metadata[payments.MetaOrderID])
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve order for event %s: %w", ev.ID, err)
	}
	res.OrderID = o.ID
	log = log.With("order_id", o.ID)

	var transitioned bool
	switch d.Action {
	case ActionMarkPaid:
		_, transitioned, err = p.engine.MarkPaid(ctx, o.ID, d.PaymentMethodID, orders.ActorProcessor)
	case ActionMarkCanceled:
		_, transitioned, err = p.engine.MarkCancelled(ctx, o.ID, orders.ActorProcessor)
	case ActionMarkDisputed:
		_, transitioned, err = p.engine.MarkDisputedByProcessor(ctx, o.ID, d.Reason)
	}

	switch {
	case orders.IsTransitionError(err):
		res.Outcome = OutcomeDropped
		log.Warn("webhook transition not allowed, dropping", "action", string(d.Action), "error", err)
		return res, nil
	case err != nil:
		log.Error("webhook transition failed", "action", string(d.Action), "error", err)
		return nil, err
	case transitioned:
		res.Outcome = OutcomeApplied
		log.Info("webhook applied", "action", string(d.Action))
	default:
		res.Outcome = OutcomeNoop
		log.Info("webhook already applied", "action", string(d.Action))
	}
	return res, nil
}

// resolve finds the order by payment intent, falling back to the order id
// in the intent metadata. A metadata match must carry the same intent.
func (p *Processor) resolve(ctx context.Context, ev *payments.Event, d Decision) (*orders.Order, error) {
	if d.PaymentIntentID != "" {
		o, err := p.orders.GetOrderByPaymentIntent(ctx, d.PaymentIntentID)
		if !errors.Is(err, orders.ErrNotFound) {
			return o, err
		}
	}

	id := ev.Metadata[payments.MetaOrderID]
	if id == "" {
		return nil, orders.ErrNotFound
	}
	o, err := p.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.PaymentIntentID != "" && o.PaymentIntentID != "" && o.PaymentIntentID != d.PaymentIntentID {
		return nil, orders.ErrNotFound
	}
	return o, nil
}
