// Package orders defines the marketplace order, its escrow transaction log,
// and the store contract the escrow engine relies on.
//
// Status changes are conditional: every write names the status it expects
// the order to be in, and the store refuses (ErrConflict) when another
// writer got there first.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/pagination"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order was modified concurrently")
	ErrInvalidState = errors.New("invalid order status for this operation")
	ErrDuplicate    = errors.New("order already exists")
)

// Address is a postal shipping address.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Complete reports whether the address has every field needed to ship.
func (a Address) Complete() bool {
	return strings.TrimSpace(a.Line1) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.PostalCode) != "" &&
		strings.TrimSpace(a.Country) != ""
}

// Order is a buyer's purchase from a seller, with the funds held in escrow.
type Order struct {
	ID       string `json:"id"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`

	ProductID     string          `json:"productId"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	ShippingCost  decimal.Decimal `json:"shippingCost"`
	CommissionFee decimal.Decimal `json:"commissionFee"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Currency      string          `json:"currency"`
	SellerTier    money.Tier      `json:"sellerTier"`

	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"`

	Status            Status    `json:"status"`
	EscrowReleaseDate time.Time `json:"escrowReleaseDate"`
	DisputeDeadline   time.Time `json:"disputeDeadline"`

	ShippingAddress Address `json:"shippingAddress"`

	TrackingNumber string     `json:"trackingNumber,omitempty"`
	Carrier        string     `json:"carrier,omitempty"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
	ShippedAt      *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// State returns the state-machine view of the order.
func (o *Order) State() State {
	return State{Status: o.Status, Released: o.ReleasedAt != nil, Unpaid: o.PaidAt == nil}
}

// NetToSeller is what the seller receives on release.
func (o *Order) NetToSeller() decimal.Decimal {
	return o.TotalAmount.Sub(o.CommissionFee)
}

// IsParty reports whether userID is the buyer or the seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// clone returns a copy that shares no pointers with o.
func (o *Order) clone() *Order {
	cp := *o
	cp.PaidAt = cloneTime(o.PaidAt)
	cp.ShippedAt = cloneTime(o.ShippedAt)
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.ReleasedAt = cloneTime(o.ReleasedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransactionType classifies an escrow log entry.
type TransactionType string

const (
	TxHold    TransactionType = "hold"
	TxRelease TransactionType = "release"
	TxRefund  TransactionType = "refund"
	TxFreeze  TransactionType = "freeze"
)

// Actors used for transactions nobody typed in.
const (
	ActorSystem    = "system"
	ActorProcessor = "processor"
)

// Transaction is an immutable escrow audit entry, appended whenever funds
// are held, released, refunded, or frozen.
type Transaction struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Actor       string          `json:"actor"`
	Reason      string          `json:"reason,omitempty"`
	ExternalRef string          `json:"externalRef,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Update carries the fields a status change may set besides the status.
// Nil pointers leave the stored value untouched. Amounts are deliberately
// absent: they are fixed at creation.
type Update struct {
	PaymentMethodID *string
	TrackingNumber  *string
	Carrier         *string
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	ReleasedAt      *time.Time

	// RequireUnreleased adds "not yet paid out" to the precondition.
	RequireUnreleased bool

	// Entry, if set, is appended to the escrow log in the same write.
	Entry *Transaction
}

// Filter selects orders for ListOrders. Zero fields match everything and a
// zero Limit returns every match.
type Filter struct {
	Statuses []Status
	SellerID string
	BuyerID  string
	// Unreleased excludes orders whose seller has been paid out.
	Unreleased bool
	// ReleaseDueBefore switches the ordering to (escrow_release_date, id).
	ReleaseDueBefore *time.Time
	// DueAfter resumes a ReleaseDueBefore listing after the given key.
	DueAfter *ReleaseKey
	// After restricts results to rows sorting after the cursor. It applies
	// to the default (created_at, id) ordering only.
	After *pagination.Cursor
	Limit int
}

// ReleaseKey is an order's position in release-date order.
type ReleaseKey struct {
	Due time.Time
	ID  string
}

// ReleaseKeyOf returns o's position in release-date order.
func ReleaseKeyOf(o *Order) *ReleaseKey {
	return &ReleaseKey{Due: o.EscrowReleaseDate, ID: o.ID}
}

// Admits reports whether o sorts strictly after k. A nil key admits
// everything.
func (k *ReleaseKey) Admits(o *Order) bool {
	if k == nil {
		return true
	}
	if !o.EscrowReleaseDate.Equal(k.Due) {
		return o.EscrowReleaseDate.After(k.Due)
	}
	return o.ID > k.ID
}

// Store persists orders and their escrow logs.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error)

	// UpdateOrderStatus moves order id from expected to next. It returns
	// ErrNotFound if the order is missing and ErrConflict if its current
	// status is not expected (or it was already released when
	// upd.RequireUnreleased is set).
	UpdateOrderStatus(ctx context.Context, id string, expected, next Status, upd Update) (*Order, error)

	ListOrders(ctx context.Context, f Filter) ([]*Order, error)

	AppendEscrowTransaction(ctx context.Context, tx *Transaction) error
	ListEscrowTransactions(ctx context.Context, orderID string) ([]*Transaction, error)
	ListSellerTransactions(ctx context.Context, sellerID string, types ...TransactionType) ([]*Transaction, error)

	// ClaimSideEffect records that kind has been performed for orderID.
	// It returns true only for the first caller.
	ClaimSideEffect(ctx context.Context, orderID, kind string) (bool, error)
}
