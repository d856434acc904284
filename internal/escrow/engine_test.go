package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/authz"
	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/payments"
	"github.com/mbd888/tradehold/internal/sellers"
)

const (
	testBuyer   = "buyer-1"
	testSeller  = "seller-1"
	testProduct = "prod-1"
	testPayout  = "acct_seller1"
)

type fixture struct {
	engine    *Engine
	store     *orders.MemoryStore
	gateway   *payments.FakeGateway
	sellers   *sellers.MemoryStore
	inventory *inventory.MemoryStore
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:     orders.NewMemoryStore(),
		gateway:   payments.NewFakeGateway("whsec_test"),
		sellers:   sellers.NewMemoryStore(),
		inventory: inventory.NewMemoryStore(),
	}
	require.NoError(t, f.sellers.Upsert(ctx, &sellers.Seller{ID: testSeller, Tier: money.TierBasic, PayoutAccount: testPayout}))
	require.NoError(t, f.inventory.UpsertProduct(ctx, &inventory.Product{
		ID: testProduct, SellerID: testSeller, UnitPrice: dec("50.00"), Available: 10,
	}))
	f.engine = NewEngine(f.store, f.gateway, f.sellers, f.inventory, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func address() orders.Address {
	return orders.Address{Line1: "1 Dock St", City: "Rotterdam", PostalCode: "3011", Country: "NL"}
}

// checkout creates a 2 × 50.00 order: total 100.00.
func (f *fixture) checkout(t *testing.T) *orders.Order {
	t.Helper()
	res, err := f.engine.Checkout(context.Background(), CheckoutRequest{
		BuyerID: testBuyer, ProductID: testProduct, Quantity: 2, ShippingAddress: address(),
	})
	require.NoError(t, err)
	return res.Order
}

func (f *fixture) paid(t *testing.T) *orders.Order {
	t.Helper()
	o := f.checkout(t)
	f.gateway.SetIntentStatus(o.PaymentIntentID, payments.IntentSucceeded, "pm_card")
	paid, transitioned, err := f.engine.MarkPaid(context.Background(), o.ID, "pm_card", orders.ActorProcessor)
	require.NoError(t, err)
	require.True(t, transitioned)
	return paid
}

func txTypes(t *testing.T, s orders.Store, orderID string) []orders.TransactionType {
	t.Helper()
	txs, err := s.ListEscrowTransactions(context.Background(), orderID)
	require.NoError(t, err)
	types := make([]orders.TransactionType, 0, len(txs))
	for _, tx := range txs {
		types = append(types, tx.Type)
	}
	return types
}

func TestCheckout_ComputesAndFreezesCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.checkout(t)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.True(t, o.TotalAmount.Equal(dec("100.00")))
	assert.True(t, o.CommissionFee.Equal(dec("5.00")))
	assert.Equal(t, money.TierBasic, o.SellerTier)
	assert.NotEmpty(t, o.PaymentIntentID)
	assert.Equal(t, "usd", o.Currency)
	assert.WithinDuration(t, o.CreatedAt.Add(DefaultReleaseWindow), o.EscrowReleaseDate, time.Second)

	// Upgrade the seller: only later orders see the new rate.
	require.NoError(t, f.sellers.Upsert(ctx, &sellers.Seller{ID: testSeller, Tier: money.TierEnterprise, PayoutAccount: testPayout}))

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.CommissionFee.Equal(dec("5.00")), "existing commission must not change")

	later := f.checkout(t)
	assert.True(t, later.CommissionFee.Equal(dec("2.00")), "got %s", later.CommissionFee)
	assert.Equal(t, money.TierEnterprise, later.SellerTier)
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{"self purchase", CheckoutRequest{BuyerID: testSeller, ProductID: testProduct, Quantity: 1, ShippingAddress: address()}},
		{"zero quantity", CheckoutRequest{BuyerID: testBuyer, ProductID: testProduct, Quantity: 0, ShippingAddress: address()}},
		{"missing address", CheckoutRequest{BuyerID: testBuyer, ProductID: testProduct, Quantity: 1}},
		{"unknown product", CheckoutRequest{BuyerID: testBuyer, ProductID: "nope", Quantity: 1, ShippingAddress: address()}},
		{"insufficient stock", CheckoutRequest{BuyerID: testBuyer, ProductID: testProduct, Quantity: 11, ShippingAddress: address()}},
		{"bad shipping", CheckoutRequest{BuyerID: testBuyer, ProductID: testProduct, Quantity: 1, ShippingCost: "1.999", ShippingAddress: address()}},
		{"foreign currency", CheckoutRequest{BuyerID: testBuyer, ProductID: testProduct, Quantity: 1, Currency: "idr", ShippingAddress: address()}},
		{"oversized currency", CheckoutRequest{BuyerID: testBuyer, ProductID: testProduct, Quantity: 1, Currency: "dollars", ShippingAddress: address()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Checkout(ctx, tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	list, err := f.store.ListOrders(ctx, orders.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected checkouts must not store orders")
}

func TestCheckout_ChargesPlatformCurrency(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Checkout(context.Background(), CheckoutRequest{
		BuyerID: testBuyer, ProductID: testProduct, Quantity: 1, Currency: "USD", ShippingAddress: address(),
	})
	require.NoError(t, err)
	assert.Equal(t, "usd", res.Order.Currency)

	intent, err := f.gateway.RetrievePaymentIntent(context.Background(), res.Order.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, "usd", intent.Currency)
}

func TestCheckout_ShippingAddsToTotal(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Checkout(context.Background(), CheckoutRequest{
		BuyerID: testBuyer, ProductID: testProduct, Quantity: 1, ShippingCost: "10.00", ShippingAddress: address(),
	})
	require.NoError(t, err)
	assert.True(t, res.Order.Subtotal.Equal(dec("50.00")))
	assert.True(t, res.Order.TotalAmount.Equal(dec("60.00")))
	assert.True(t, res.Order.CommissionFee.Equal(dec("3.00")))
	assert.NotEmpty(t, res.ClientSecret)
}

func TestPayThenRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paid(t)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, "pm_card", o.PaymentMethodID)
	assert.NotNil(t, o.PaidAt)

	p, err := f.inventory.GetProduct(ctx, testProduct)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Available)

	res, err := f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, res.Order.Status)
	assert.NotNil(t, res.Order.ReleasedAt)
	assert.True(t, res.Transaction.Amount.Equal(dec("95.00")))
	assert.Equal(t, orders.ActorSystem, res.Transaction.Actor)

	transfers := f.gateway.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, testPayout, transfers[0].Request.Destination)
	assert.True(t, transfers[0].Amount.Equal(dec("95.00")))
	assert.Equal(t, "release-"+o.ID, transfers[0].Request.IdempotencyKey)
	assert.Equal(t, transfers[0].ID, res.Transaction.ExternalRef)

	assert.Equal(t, []orders.TransactionType{orders.TxHold, orders.TxRelease}, txTypes(t, f.store, o.ID))

	_, err = f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem)
	assert.ErrorIs(t, err, ErrInvalidState, "second release must be rejected")
	assert.Len(t, f.gateway.Transfers(), 1)
}

func TestMarkPaid_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	again, transitioned, err := f.engine.MarkPaid(ctx, o.ID, "pm_card", orders.ActorProcessor)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, orders.StatusPaid, again.Status)

	p, _ := f.inventory.GetProduct(ctx, testProduct)
	assert.Equal(t, 8, p.Available, "inventory decremented once")
	assert.Equal(t, []orders.TransactionType{orders.TxHold}, txTypes(t, f.store, o.ID))
}

func TestMarkPaid_AfterShipIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)
	_, err := f.engine.MarkShipped(ctx, o.ID, "TRK1", "dhl", testSeller)
	require.NoError(t, err)

	got, transitioned, err := f.engine.MarkPaid(ctx, o.ID, "", orders.ActorProcessor)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, orders.StatusShipped, got.Status)
}

func TestMarkPaid_InventoryClampedAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)

	// Someone else bought the remaining stock in the meantime.
	require.NoError(t, f.inventory.UpsertProduct(ctx, &inventory.Product{
		ID: testProduct, SellerID: testSeller, UnitPrice: dec("50.00"), Available: 1,
	}))

	_, transitioned, err := f.engine.MarkPaid(ctx, o.ID, "", orders.ActorProcessor)
	require.NoError(t, err)
	assert.True(t, transitioned)

	p, _ := f.inventory.GetProduct(ctx, testProduct)
	assert.Equal(t, 0, p.Available)
}

func TestRefundThenReleaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	res, err := f.engine.RefundFunds(ctx, o.ID, "item not as described", testBuyer)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, res.Order.Status)
	assert.True(t, res.Transaction.Amount.Equal(dec("100.00")))
	assert.Equal(t, "item not as described", res.Transaction.Reason)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(dec("100.00")))
	assert.Equal(t, o.PaymentIntentID, refunds[0].Request.PaymentIntentID)

	_, err = f.engine.ReleaseFunds(ctx, o.ID, testSeller)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.gateway.Transfers(), "seller receives nothing")
	assert.Equal(t, []orders.TransactionType{orders.TxHold, orders.TxRefund}, txTypes(t, f.store, o.ID))
}

func TestRefund_RequiresReason(t *testing.T) {
	f := newFixture(t)
	o := f.paid(t)

	_, err := f.engine.RefundFunds(context.Background(), o.ID, "", testBuyer)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.gateway.Refunds())
}

func TestRefund_PendingCancelsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)

	res, err := f.engine.RefundFunds(ctx, o.ID, "changed my mind", testBuyer)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, res.Order.Status)
	assert.True(t, res.Transaction.Amount.IsZero())
	assert.Empty(t, f.gateway.Refunds())

	pi, err := f.gateway.RetrievePaymentIntent(ctx, o.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, payments.IntentCanceled, pi.Status)
}

func TestRefund_ProcessorFailureLeavesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	f.gateway.Fail(payments.OpRefund, 1, errors.New("card_declined"))
	_, err := f.engine.RefundFunds(ctx, o.ID, "broken", testBuyer)
	assert.ErrorIs(t, err, ErrExternalService)

	cur, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, orders.StatusPaid, cur.Status)
}

func TestFreeze_DefaultReasonAndBlocksRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)
	_, err := f.engine.MarkShipped(ctx, o.ID, "TRK1", "ups", testSeller)
	require.NoError(t, err)

	res, err := f.engine.FreezeFunds(ctx, o.ID, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDisputed, res.Order.Status)
	assert.True(t, strings.HasPrefix(res.Transaction.Reason, "dispute-"), res.Transaction.Reason)
	assert.Equal(t, orders.TxFreeze, res.Transaction.Type)

	_, err = f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem)
	assert.ErrorIs(t, err, ErrInvalidState)

	again, err := f.engine.FreezeFunds(ctx, o.ID, "again", "ops")
	require.NoError(t, err, "freezing a disputed order is a no-op")
	assert.Equal(t, orders.StatusDisputed, again.Order.Status)
	assert.Nil(t, again.Transaction)
	assert.Equal(t, []orders.TransactionType{orders.TxHold, orders.TxFreeze}, txTypes(t, f.store, o.ID))
}

func TestFreeze_PendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)

	res, err := f.engine.FreezeFunds(ctx, o.ID, "suspected fraud", "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDisputed, res.Order.Status)
	assert.True(t, res.Transaction.Amount.IsZero(), "nothing is held before payment")

	_, err = f.engine.ResolveDispute(ctx, o.ID, ResolutionRelease, "", "ops")
	assert.ErrorIs(t, err, ErrInvalidState, "no capture to pay out")
	assert.Empty(t, f.gateway.Transfers())

	res, err = f.engine.ResolveDispute(ctx, o.ID, ResolutionRefund, "fraud confirmed", "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, res.Order.Status)
	assert.True(t, res.Transaction.Amount.IsZero())
	assert.Empty(t, f.gateway.Refunds())
}

func TestFreeze_PendingThenPaymentArrives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)
	_, err := f.engine.FreezeFunds(ctx, o.ID, "", "ops")
	require.NoError(t, err)

	got, transitioned, err := f.engine.MarkPaid(ctx, o.ID, "pm_card", orders.ActorProcessor)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, orders.StatusDisputed, got.Status, "capture is recorded without lifting the freeze")
	assert.NotNil(t, got.PaidAt)

	_, transitioned, err = f.engine.MarkPaid(ctx, o.ID, "pm_card", orders.ActorProcessor)
	require.NoError(t, err)
	assert.False(t, transitioned)

	res, err := f.engine.ResolveDispute(ctx, o.ID, ResolutionRelease, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, res.Order.Status)
	assert.Equal(t, []orders.TransactionType{orders.TxFreeze, orders.TxHold, orders.TxRelease}, txTypes(t, f.store, o.ID))
}

func TestRelease_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrInvalidState) || errors.Is(err, ErrConflict), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.gateway.Transfers(), 1)

	releases, err := f.store.ListSellerTransactions(ctx, testSeller, orders.TxRelease)
	require.NoError(t, err)
	assert.Len(t, releases, 1)
}

func TestRelease_RacingRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	var wg sync.WaitGroup
	var relErr, refErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, relErr = f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem) }()
	go func() { defer wg.Done(); _, refErr = f.engine.RefundFunds(ctx, o.ID, "late", testBuyer) }()
	wg.Wait()

	assert.True(t, (relErr == nil) != (refErr == nil), "exactly one must win: release=%v refund=%v", relErr, refErr)
	assert.Equal(t, 1, len(f.gateway.Transfers())+len(f.gateway.Refunds()))
}

func TestRelease_TransferFailureLeavesOrderRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	f.gateway.Fail(payments.OpTransfer, 1, errors.New("balance_insufficient"))
	_, err := f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem)
	require.ErrorIs(t, err, ErrExternalService)

	cur, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, orders.StatusPaid, cur.Status)
	assert.Nil(t, cur.ReleasedAt)
	assert.Equal(t, []orders.TransactionType{orders.TxHold}, txTypes(t, f.store, o.ID))

	_, err = f.engine.ReleaseFunds(ctx, o.ID, orders.ActorSystem)
	require.NoError(t, err)
}

func TestRelease_SellerWithoutPayoutAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)
	require.NoError(t, f.sellers.Upsert(ctx, &sellers.Seller{ID: testSeller, Tier: money.TierBasic}))

	_, err := f.engine.ReleaseFunds(ctx, o.ID, testSeller)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.gateway.Transfers())
}

func TestRelease_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ReleaseFunds(context.Background(), "00000000-0000-0000-0000-000000000000", "ops")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShipDeliverRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	_, err := f.engine.MarkShipped(ctx, o.ID, "", "dhl", testSeller)
	assert.ErrorIs(t, err, ErrValidation)

	shipped, err := f.engine.MarkShipped(ctx, o.ID, "TRK42", "dhl", testSeller)
	require.NoError(t, err)
	assert.Equal(t, "TRK42", shipped.TrackingNumber)
	assert.NotNil(t, shipped.ShippedAt)

	delivered, err := f.engine.ConfirmDelivery(ctx, o.ID, testBuyer)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, delivered.Status)
	assert.Nil(t, delivered.ReleasedAt)
	assert.True(t, StatusOf(delivered).FundsHeld)

	res, err := f.engine.ReleaseFunds(ctx, o.ID, testSeller)
	require.NoError(t, err)
	assert.Equal(t, *delivered.DeliveredAt, *res.Order.DeliveredAt, "delivery time is kept")
	assert.True(t, StatusOf(res.Order).Terminal)
}

func TestResolveDispute(t *testing.T) {
	t.Run("release", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		o := f.paid(t)
		_, err := f.engine.FreezeFunds(ctx, o.ID, "buyer complaint", "ops")
		require.NoError(t, err)

		res, err := f.engine.ResolveDispute(ctx, o.ID, ResolutionRelease, "", "ops")
		require.NoError(t, err)
		assert.Equal(t, orders.StatusDelivered, res.Order.Status)
		assert.NotNil(t, res.Order.ReleasedAt)
		assert.True(t, res.Transaction.Amount.Equal(dec("95.00")))
	})

	t.Run("refund", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		o := f.paid(t)
		_, err := f.engine.FreezeFunds(ctx, o.ID, "", "ops")
		require.NoError(t, err)

		_, err = f.engine.ResolveDispute(ctx, o.ID, ResolutionRefund, "", "ops")
		assert.ErrorIs(t, err, ErrValidation)

		res, err := f.engine.ResolveDispute(ctx, o.ID, ResolutionRefund, "seller never shipped", "ops")
		require.NoError(t, err)
		assert.Equal(t, orders.StatusRefunded, res.Order.Status)
		assert.True(t, res.Transaction.Amount.Equal(dec("100.00")))
	})

	t.Run("not disputed", func(t *testing.T) {
		f := newFixture(t)
		o := f.paid(t)
		_, err := f.engine.ResolveDispute(context.Background(), o.ID, ResolutionRelease, "", "ops")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("bad resolution", func(t *testing.T) {
		f := newFixture(t)
		o := f.paid(t)
		_, err := f.engine.ResolveDispute(context.Background(), o.ID, "split", "", "ops")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)

	c, err := f.engine.ConfirmPayment(ctx, o.ID, testBuyer)
	require.NoError(t, err)
	assert.Equal(t, payments.IntentRequiresPaymentMethod, c.IntentStatus)
	assert.False(t, c.Transitioned)
	assert.Equal(t, orders.StatusPending, c.Order.Status)

	f.gateway.SetIntentStatus(o.PaymentIntentID, payments.IntentSucceeded, "pm_visa")
	c, err = f.engine.ConfirmPayment(ctx, o.ID, testBuyer)
	require.NoError(t, err)
	assert.True(t, c.Transitioned)
	assert.Equal(t, orders.StatusPaid, c.Order.Status)
	assert.Equal(t, "pm_visa", c.Order.PaymentMethodID)

	// The webhook arriving afterwards converges without a second hold.
	_, transitioned, err := f.engine.MarkPaid(ctx, o.ID, "pm_visa", orders.ActorProcessor)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, []orders.TransactionType{orders.TxHold}, txTypes(t, f.store, o.ID))
}

func TestConfirmPayment_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)
	f.gateway.SetIntentStatus(o.PaymentIntentID, payments.IntentCanceled, "")

	c, err := f.engine.ConfirmPayment(ctx, o.ID, testBuyer)
	require.NoError(t, err)
	assert.True(t, c.Transitioned)
	assert.Equal(t, orders.StatusCancelled, c.Order.Status)
}

func TestProcessorTransitions_OutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.checkout(t)

	// Dispute before payment: dropped as an invalid transition.
	_, transitioned, err := f.engine.MarkDisputedByProcessor(ctx, o.ID, "fraudulent")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, transitioned)

	_, transitioned, err = f.engine.MarkCancelled(ctx, o.ID, orders.ActorProcessor)
	require.NoError(t, err)
	assert.True(t, transitioned)

	_, _, err = f.engine.MarkCancelled(ctx, o.ID, orders.ActorProcessor)
	assert.NoError(t, err, "repeat cancel is a no-op")

	_, _, err = f.engine.MarkPaid(ctx, o.ID, "", orders.ActorProcessor)
	assert.ErrorIs(t, err, ErrInvalidState, "cancelled orders cannot become paid")
}

func TestMarkDisputedByProcessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	got, transitioned, err := f.engine.MarkDisputedByProcessor(ctx, o.ID, "fraudulent")
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, orders.StatusDisputed, got.Status)

	_, transitioned, err = f.engine.MarkDisputedByProcessor(ctx, o.ID, "fraudulent")
	require.NoError(t, err)
	assert.False(t, transitioned)

	txs, _ := f.store.ListEscrowTransactions(ctx, o.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, orders.ActorProcessor, txs[1].Actor)
}

func TestSellerSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	released := f.paid(t)
	_, err := f.engine.ReleaseFunds(ctx, released.ID, orders.ActorSystem)
	require.NoError(t, err)

	f.paid(t) // held

	disputed := f.paid(t)
	_, err = f.engine.FreezeFunds(ctx, disputed.ID, "", "ops")
	require.NoError(t, err)

	f.checkout(t) // pending

	sum, err := f.engine.GetSellerEscrowSummary(ctx, testSeller)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.OrderCount)
	assert.True(t, sum.FundsHeld.Equal(dec("100.00")), "held %s", sum.FundsHeld)
	assert.True(t, sum.FundsFrozen.Equal(dec("100.00")))
	assert.True(t, sum.FundsReleased.Equal(dec("95.00")))
	assert.Equal(t, 1, sum.PendingDisputes)
	assert.Equal(t, 1, sum.StatusCounts[orders.StatusPending])
	assert.Equal(t, 1, sum.StatusCounts[orders.StatusDelivered])

	_, err = f.engine.GetSellerEscrowSummary(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetEscrowStatusAndTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	st, err := f.engine.GetEscrowStatus(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, st.Status)
	assert.True(t, st.NetAmount.Equal(dec("95.00")))
	assert.True(t, st.FundsHeld)
	assert.False(t, st.Terminal)

	txs, err := f.engine.GetEscrowTransactions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(dec("100.00")))

	_, err = f.engine.GetEscrowStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.GetEscrowTransactions(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paid(t)

	_, err := f.engine.Authorize(ctx, authz.Actor{}, authz.ActionStatus, o.ID, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	stranger := authz.Actor{UserID: "someone", Role: authz.RoleUser}
	for _, action := range []authz.Action{authz.ActionStatus, authz.ActionTransactions, authz.ActionRelease, authz.ActionRefund, authz.ActionFreeze} {
		_, err := f.engine.Authorize(ctx, stranger, action, o.ID, "reason")
		assert.ErrorIs(t, err, ErrForbidden, "action %s", action)
	}

	_, err = f.engine.Authorize(ctx, authz.Actor{UserID: testBuyer, Role: authz.RoleUser}, authz.ActionRefund, o.ID, "")
	assert.ErrorIs(t, err, ErrValidation)

	got, err := f.engine.Authorize(ctx, authz.Actor{UserID: testSeller, Role: authz.RoleUser}, authz.ActionRelease, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = f.engine.Authorize(ctx, authz.Actor{UserID: "ops", Role: authz.RoleAdmin}, authz.ActionStatus, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	// A missing order looks the same as someone else's to non-admins.
	for _, actor := range []authz.Actor{stranger, {UserID: testBuyer, Role: authz.RoleUser}} {
		var denied *DeniedError
		_, err = f.engine.Authorize(ctx, actor, authz.ActionStatus, "missing", "")
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, authz.ReasonNotParty, denied.Reason)
		assert.NotErrorIs(t, err, ErrNotFound)
	}

	var denied *DeniedError
	_, err = f.engine.Authorize(ctx, stranger, authz.ActionStatus, o.ID, "")
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, authz.ReasonNotParty, denied.Reason)

	assert.NoError(t, AuthorizeSeller(authz.Actor{UserID: testSeller, Role: authz.RoleUser}, testSeller))
	assert.ErrorIs(t, AuthorizeSeller(authz.Actor{UserID: testBuyer, Role: authz.RoleUser}, testSeller), ErrForbidden)
}
