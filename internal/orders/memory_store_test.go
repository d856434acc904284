package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/pagination"
)

func newTestOrder(id string) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:                id,
		BuyerID:           "buyer-1",
		SellerID:          "seller-1",
		ProductID:         "prod-1",
		Quantity:          1,
		UnitPrice:         decimal.RequireFromString("100.00"),
		Subtotal:          decimal.RequireFromString("100.00"),
		ShippingCost:      decimal.Zero,
		CommissionFee:     decimal.RequireFromString("5.00"),
		TotalAmount:       decimal.RequireFromString("100.00"),
		Currency:          "usd",
		SellerTier:        money.TierBasic,
		PaymentIntentID:   "pi_" + id,
		Status:            StatusPending,
		EscrowReleaseDate: now.Add(7 * 24 * time.Hour),
		DisputeDeadline:   now.Add(14 * 24 * time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	o := newTestOrder("ord-1")
	require.NoError(t, s.CreateOrder(ctx, o))
	assert.ErrorIs(t, s.CreateOrder(ctx, o), ErrDuplicate)

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.BuyerID)
	assert.True(t, got.CommissionFee.Equal(decimal.RequireFromString("5.00")))

	byIntent, err := s.GetOrderByPaymentIntent(ctx, "pi_ord-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", byIntent.ID)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOrderByPaymentIntent(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateOrder(ctx, newTestOrder("ord-1")))

	got, _ := s.GetOrder(ctx, "ord-1")
	got.Status = StatusRefunded

	again, _ := s.GetOrder(ctx, "ord-1")
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStore_UpdateOrderStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateOrder(ctx, newTestOrder("ord-1")))

	pm := "pm_123"
	now := time.Now().UTC()
	updated, err := s.UpdateOrderStatus(ctx, "ord-1", StatusPending, StatusPaid, Update{
		PaymentMethodID: &pm,
		PaidAt:          &now,
		Entry:           &Transaction{ID: "tx-1", OrderID: "ord-1", Type: TxHold, Amount: decimal.RequireFromString("100.00"), Actor: ActorProcessor, CreatedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, updated.Status)
	assert.Equal(t, "pm_123", updated.PaymentMethodID)
	require.NotNil(t, updated.PaidAt)

	// Wrong expected status.
	_, err = s.UpdateOrderStatus(ctx, "ord-1", StatusPending, StatusCancelled, Update{})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateOrderStatus(ctx, "missing", StatusPending, StatusPaid, Update{})
	assert.ErrorIs(t, err, ErrNotFound)

	txs, err := s.ListEscrowTransactions(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TxHold, txs[0].Type)
}

func TestMemoryStore_RequireUnreleased(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := newTestOrder("ord-1")
	o.Status = StatusDelivered
	released := time.Now().UTC()
	o.ReleasedAt = &released
	require.NoError(t, s.CreateOrder(ctx, o))

	_, err := s.UpdateOrderStatus(ctx, "ord-1", StatusDelivered, StatusRefunded, Update{RequireUnreleased: true})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_ConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := newTestOrder("ord-1")
	o.Status = StatusPaid
	require.NoError(t, s.CreateOrder(ctx, o))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateOrderStatus(ctx, "ord-1", StatusPaid, StatusDelivered, Update{}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_ListOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		o := newTestOrder(id)
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		o.EscrowReleaseDate = base.Add(-time.Duration(i) * time.Hour)
		o.Status = StatusPaid
		require.NoError(t, s.CreateOrder(ctx, o))
	}
	other := newTestOrder("d")
	other.SellerID = "seller-2"
	other.Status = StatusShipped
	require.NoError(t, s.CreateOrder(ctx, other))

	all, err := s.ListOrders(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	bySeller, err := s.ListOrders(ctx, Filter{SellerID: "seller-1"})
	require.NoError(t, err)
	require.Len(t, bySeller, 3)
	assert.Equal(t, "a", bySeller[0].ID)

	shipped, err := s.ListOrders(ctx, Filter{Statuses: []Status{StatusShipped}})
	require.NoError(t, err)
	require.Len(t, shipped, 1)
	assert.Equal(t, "d", shipped[0].ID)

	// Due filter orders by release date, oldest first.
	due := base.Add(-30 * time.Minute)
	overdue, err := s.ListOrders(ctx, Filter{Statuses: []Status{StatusPaid}, ReleaseDueBefore: &due, Limit: 1})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "c", overdue[0].ID)
}

func TestMemoryStore_ListOrdersAfterCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()

	// b1 and b2 share a timestamp; the id breaks the tie.
	for _, o := range []struct {
		id  string
		off time.Duration
	}{{"a", 0}, {"b2", time.Minute}, {"b1", time.Minute}, {"c", 2 * time.Minute}} {
		ord := newTestOrder(o.id)
		ord.CreatedAt = base.Add(o.off)
		require.NoError(t, s.CreateOrder(ctx, ord))
	}

	first, err := s.ListOrders(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b1", first[1].ID)

	last := first[1]
	rest, err := s.ListOrders(ctx, Filter{After: &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b2", rest[0].ID)
	assert.Equal(t, "c", rest[1].ID)
}

func TestMemoryStore_ListDueAfterKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()

	// x1 and x2 share a release date; the id breaks the tie.
	for _, o := range []struct {
		id       string
		off      time.Duration
		status   Status
		released bool
	}{
		{"x2", -2 * time.Hour, StatusPaid, false},
		{"x1", -2 * time.Hour, StatusShipped, false},
		{"y", -time.Hour, StatusDelivered, false},
		{"z", -time.Hour, StatusDelivered, true},
	} {
		ord := newTestOrder(o.id)
		ord.EscrowReleaseDate = base.Add(o.off)
		ord.Status = o.status
		if o.released {
			ord.ReleasedAt = &base
		}
		require.NoError(t, s.CreateOrder(ctx, ord))
	}

	f := Filter{Unreleased: true, ReleaseDueBefore: &base, Limit: 2}
	first, err := s.ListOrders(ctx, f)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "x1", first[0].ID)
	assert.Equal(t, "x2", first[1].ID)

	f.DueAfter = ReleaseKeyOf(first[1])
	rest, err := s.ListOrders(ctx, f)
	require.NoError(t, err)
	require.Len(t, rest, 1, "released order is excluded")
	assert.Equal(t, "y", rest[0].ID)
}

func TestMemoryStore_SellerTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateOrder(ctx, newTestOrder("ord-1")))
	other := newTestOrder("ord-2")
	other.SellerID = "seller-2"
	require.NoError(t, s.CreateOrder(ctx, other))

	now := time.Now().UTC()
	require.NoError(t, s.AppendEscrowTransaction(ctx, &Transaction{ID: "t1", OrderID: "ord-1", Type: TxHold, Amount: decimal.RequireFromString("100.00"), CreatedAt: now}))
	require.NoError(t, s.AppendEscrowTransaction(ctx, &Transaction{ID: "t2", OrderID: "ord-1", Type: TxRelease, Amount: decimal.RequireFromString("95.00"), CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.AppendEscrowTransaction(ctx, &Transaction{ID: "t3", OrderID: "ord-2", Type: TxRelease, Amount: decimal.RequireFromString("10.00"), CreatedAt: now}))
	assert.ErrorIs(t, s.AppendEscrowTransaction(ctx, &Transaction{ID: "t4", OrderID: "nope"}), ErrNotFound)

	releases, err := s.ListSellerTransactions(ctx, "seller-1", TxRelease)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "t2", releases[0].ID)

	all, err := s.ListSellerTransactions(ctx, "seller-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore_ClaimSideEffect(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.ClaimSideEffect(ctx, "ord-1", "inventory")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.ClaimSideEffect(ctx, "ord-1", "inventory")
	require.NoError(t, err)
	assert.False(t, second)

	other, err := s.ClaimSideEffect(ctx, "ord-1", "notify")
	require.NoError(t, err)
	assert.True(t, other)
}
