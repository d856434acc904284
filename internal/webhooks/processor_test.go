package webhooks

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/notify"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/sellers"
)

const secret = "whsec_test"

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) kinds() map[notify.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[notify.Kind]int)
	for _, n := range r.got {
		out[n.Kind]++
	}
	return out
}

type harness struct {
	proc    *Processor
	engine  *escrow.Engine
	store   *orders.MemoryStore
	gateway *payments.FakeGateway
	inv     *inventory.MemoryStore
	emitter *notify.Emitter
	sent    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:   orders.NewMemoryStore(),
		gateway: payments.NewFakeGateway(secret),
		inv:     inventory.NewMemoryStore(),
		sent:    &recorder{},
	}
	ss := sellers.NewMemoryStore()
	require.NoError(t, ss.Upsert(ctx, &sellers.Seller{ID: "seller-1", Tier: money.TierBasic, PayoutAccount: "acct_1"}))
	require.NoError(t, h.inv.UpsertProduct(ctx, &inventory.Product{
		ID: "prod-1", SellerID: "seller-1", UnitPrice: decimal.RequireFromString("50.00"), Available: 10,
	}))

	h.emitter = notify.NewEmitter(h.sent, logger)
	h.engine = escrow.NewEngine(h.store, h.gateway, ss, h.inv, escrow.Config{}, logger).WithEmitter(h.emitter)
	h.proc = NewProcessor(h.gateway, h.store, h.engine, logger)
	return h
}

func (h *harness) order(t *testing.T) *orders.Order {
	t.Helper()
	res, err := h.engine.Checkout(context.Background(), escrow.CheckoutRequest{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 2,
		ShippingAddress: orders.Address{Line1: "1 Main", City: "Austin", PostalCode: "78701", Country: "US"},
	})
	require.NoError(t, err)
	return res.Order
}

func (h *harness) status(t *testing.T, id string) orders.Status {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestDecide(t *testing.T) {
	tests := []struct {
		ev   payments.Event
		want Action
	}{
		{payments.Event{Type: payments.EventPaymentSucceeded, PaymentIntentID: "pi_1", PaymentMethodID: "pm_1"}, ActionMarkPaid},
		{payments.Event{Type: payments.EventPaymentFailed}, ActionMarkCanceled},
		{payments.Event{Type: payments.EventPaymentCanceled}, ActionMarkCanceled},
		{payments.Event{Type: payments.EventDisputeCreated, DisputeReason: "fraudulent"}, ActionMarkDisputed},
		{payments.Event{Type: payments.EventTransferCreated}, ActionLog},
		{payments.Event{Type: "customer.created"}, ActionIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.ev.Type, func(t *testing.T) {
			d := Decide(&tt.ev)
			assert.Equal(t, tt.want, d.Action)
		})
	}

	d := Decide(&payments.Event{Type: payments.EventPaymentSucceeded, PaymentIntentID: "pi_1", PaymentMethodID: "pm_1"})
	assert.Equal(t, "pi_1", d.PaymentIntentID)
	assert.Equal(t, "pm_1", d.PaymentMethodID)
	assert.True(t, d.NeedsOrder())

	d = Decide(&payments.Event{Type: payments.EventDisputeCreated, DisputeReason: "fraudulent"})
	assert.Equal(t, "processor dispute: fraudulent", d.Reason)
	assert.False(t, Decide(&payments.Event{Type: payments.EventTransferCreated}).NeedsOrder())
}

func TestHandle_SucceededIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t)
	h.gateway.SetIntentStatus(o.PaymentIntentID, payments.IntentSucceeded, "pm_card")

	payload, sig := h.gateway.SignedEvent(payments.EventPaymentSucceeded, o.PaymentIntentID, nil)

	res, err := h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, o.ID, res.OrderID)

	res, err = h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	h.emitter.Wait()
	stored, _ := h.store.GetOrder(ctx, o.ID)
	assert.Equal(t, orders.StatusPaid, stored.Status)
	assert.Equal(t, "pm_card", stored.PaymentMethodID)

	p, _ := h.inv.GetProduct(ctx, "prod-1")
	assert.Equal(t, 8, p.Available, "one inventory decrement")
	assert.Equal(t, 2, h.sent.kinds()[notify.KindOrderPaid], "one buyer and one seller notification")

	txs, _ := h.store.ListEscrowTransactions(ctx, o.ID)
	assert.Len(t, txs, 1)
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t)
	payload, sig := h.gateway.SignedEvent(payments.EventPaymentSucceeded, o.PaymentIntentID, nil)

	var wg sync.WaitGroup
	outcomes := make([]string, 5)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.proc.Handle(ctx, payload, sig)
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()
	h.emitter.Wait()

	applied := 0
	for _, out := range outcomes {
		if out == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	p, _ := h.inv.GetProduct(ctx, "prod-1")
	assert.Equal(t, 8, p.Available)
	assert.Equal(t, 2, h.sent.kinds()[notify.KindOrderPaid])
}

func TestHandle_BadSignatureChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t)
	payload, _ := h.gateway.SignedEvent(payments.EventPaymentSucceeded, o.PaymentIntentID, nil)

	_, err := h.proc.Handle(ctx, payload, "")
	assert.ErrorIs(t, err, payments.ErrSignature)

	forged := payments.SignPayload(payload, "whsec_attacker", time.Now())
	_, err = h.proc.Handle(ctx, payload, forged)
	assert.ErrorIs(t, err, payments.ErrSignature)

	assert.Equal(t, orders.StatusPending, h.status(t, o.ID))
}

func TestHandle_FailedCancelsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t)

	payload, sig := h.gateway.SignedEvent(payments.EventPaymentFailed, o.PaymentIntentID, nil)
	res, err := h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, orders.StatusCancelled, h.status(t, o.ID))

	// A late success for a cancelled order is dropped, not applied.
	payload, sig = h.gateway.SignedEvent(payments.EventPaymentSucceeded, o.PaymentIntentID, nil)
	res, err = h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Equal(t, orders.StatusCancelled, h.status(t, o.ID))
}

func TestHandle_DisputeOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t)

	dispute, dsig := h.gateway.SignedEvent(payments.EventDisputeCreated, o.PaymentIntentID, nil)

	// Dispute before success: logged and dropped.
	res, err := h.proc.Handle(ctx, dispute, dsig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Equal(t, orders.StatusPending, h.status(t, o.ID))

	paid, psig := h.gateway.SignedEvent(payments.EventPaymentSucceeded, o.PaymentIntentID, nil)
	_, err = h.proc.Handle(ctx, paid, psig)
	require.NoError(t, err)

	res, err = h.proc.Handle(ctx, dispute, dsig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, orders.StatusDisputed, h.status(t, o.ID))

	h.emitter.Wait()
	assert.Equal(t, 2, h.sent.kinds()[notify.KindOrderDisputed])

	txs, _ := h.store.ListEscrowTransactions(ctx, o.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, orders.TxFreeze, txs[1].Type)
	assert.Equal(t, "processor dispute: fraudulent", txs[1].Reason)
}

func TestHandle_UnresolvableIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload, sig := h.gateway.SignedEvent(payments.EventPaymentSucceeded, "pi_nobody", nil)
	res, err := h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
}

func TestHandle_MetadataFallbackMustMatchIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t)

	meta := map[string]string{payments.MetaOrderID: o.ID}
	payload := payments.BuildEventPayload("evt_x", payments.EventPaymentSucceeded, "pi_other", decimal.RequireFromString("100.00"), meta, "", nil)
	res, err := h.proc.Handle(ctx, payload, payments.SignPayload(payload, secret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.Equal(t, orders.StatusPending, h.status(t, o.ID))
}

func TestHandle_LogOnlyAndIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload, sig := h.gateway.SignedEvent(payments.EventTransferCreated, "", nil)
	res, err := h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogged, res.Outcome)

	payload, sig = h.gateway.SignedEvent("customer.created", "", nil)
	res, err = h.proc.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, ActionIgnore, res.Action)
}
