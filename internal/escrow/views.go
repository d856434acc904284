package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/authz"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/traces"
)

// EscrowStatus is the escrow-relevant projection of an order.
type EscrowStatus struct {
	OrderID           string          `json:"orderId"`
	BuyerID           string          `json:"buyerId"`
	SellerID          string          `json:"sellerId"`
	Status            orders.Status   `json:"status"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	CommissionFee     decimal.Decimal `json:"commissionFee"`
	NetAmount         decimal.Decimal `json:"netAmount"`
	Currency          string          `json:"currency"`
	SellerTier        money.Tier      `json:"sellerTier"`
	FundsHeld         bool            `json:"fundsHeld"`
	Released          bool            `json:"released"`
	Terminal          bool            `json:"terminal"`
	EscrowReleaseDate time.Time       `json:"escrowReleaseDate"`
	DisputeDeadline   time.Time       `json:"disputeDeadline"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
	ReleasedAt        *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// StatusOf projects o.
func StatusOf(o *orders.Order) *EscrowStatus {
	st := o.State()
	return &EscrowStatus{
		OrderID:           o.ID,
		BuyerID:           o.BuyerID,
		SellerID:          o.SellerID,
		Status:            o.Status,
		TotalAmount:       o.TotalAmount,
		CommissionFee:     o.CommissionFee,
		NetAmount:         o.NetToSeller(),
		Currency:          o.Currency,
		SellerTier:        o.SellerTier,
		FundsHeld:         st.HoldsFunds(),
		Released:          st.Released,
		Terminal:          st.Terminal(),
		EscrowReleaseDate: o.EscrowReleaseDate,
		DisputeDeadline:   o.DisputeDeadline,
		PaidAt:            o.PaidAt,
		ReleasedAt:        o.ReleasedAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

// GetEscrowStatus returns the escrow projection of an order.
func (e *Engine) GetEscrowStatus(ctx context.Context, orderID string) (*EscrowStatus, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return StatusOf(o), nil
}

// GetEscrowTransactions returns the order's escrow log, oldest first.
func (e *Engine) GetEscrowTransactions(ctx context.Context, orderID string) ([]*orders.Transaction, error) {
	if _, err := e.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return e.store.ListEscrowTransactions(ctx, orderID)
}

// SellerSummary aggregates a seller's escrow position.
type SellerSummary struct {
	SellerID        string                `json:"sellerId"`
	FundsHeld       decimal.Decimal       `json:"fundsHeld"`
	FundsFrozen     decimal.Decimal       `json:"fundsFrozen"`
	FundsReleased   decimal.Decimal       `json:"fundsReleased"`
	PendingDisputes int                   `json:"pendingDisputes"`
	OrderCount      int                   `json:"orderCount"`
	StatusCounts    map[orders.Status]int `json:"statusCounts"`
	ComputedAt      time.Time             `json:"computedAt"`
}

// GetSellerEscrowSummary computes the seller's summary from the store on
// every call.
func (e *Engine) GetSellerEscrowSummary(ctx context.Context, sellerID string) (sum *SellerSummary, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.seller_summary", traces.SellerID(sellerID))
	defer func() { traces.End(span, err) }()

	if sellerID == "" {
		return nil, validation("sellerId is required")
	}

	list, err := e.store.ListOrders(ctx, orders.Filter{SellerID: sellerID})
	if err != nil {
		return nil, err
	}
	releases, err := e.store.ListSellerTransactions(ctx, sellerID, orders.TxRelease)
	if err != nil {
		return nil, err
	}

	sum = &SellerSummary{
		SellerID:      sellerID,
		FundsHeld:     decimal.Zero,
		FundsFrozen:   decimal.Zero,
		FundsReleased: decimal.Zero,
		OrderCount:    len(list),
		StatusCounts:  make(map[orders.Status]int, len(orders.AllStatuses)),
		ComputedAt:    e.now(),
	}
	for _, o := range list {
		sum.StatusCounts[o.Status]++
		switch {
		case o.State().HoldsFunds():
			sum.FundsHeld = sum.FundsHeld.Add(o.TotalAmount)
		case o.Status == orders.StatusDisputed:
			sum.PendingDisputes++
			if !o.State().Unpaid {
				sum.FundsFrozen = sum.FundsFrozen.Add(o.TotalAmount)
			}
		}
	}
	for _, tx := range releases {
		sum.FundsReleased = sum.FundsReleased.Add(tx.Amount)
	}
	return sum, nil
}

// Authorize loads the order and runs the access guard for action. Denials
// come back as *DeniedError. Only admins learn that an order id does not
// exist; everyone else gets the same denial as for someone else's order.
func (e *Engine) Authorize(ctx context.Context, actor authz.Actor, action authz.Action, orderID, reason string) (*orders.Order, error) {
	if actor.Anonymous() {
		return nil, &DeniedError{Reason: authz.ReasonUnauthenticated}
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) && !actor.IsAdmin() {
		e.logger.Info("escrow action denied",
			"order_id", orderID, "action", string(action), "actor", actor.UserID, "reason", authz.ReasonNotParty)
		return nil, &DeniedError{Reason: authz.ReasonNotParty}
	}
	if err != nil {
		return nil, err
	}
	d := authz.Authorize(actor, action, authz.Target{BuyerID: o.BuyerID, SellerID: o.SellerID, Reason: reason})
	if !d.Allowed {
		e.logger.Info("escrow action denied",
			"order_id", orderID, "action", string(action), "actor", actor.UserID, "reason", d.Reason)
		return nil, &DeniedError{Reason: d.Reason}
	}
	return o, nil
}

// AuthorizeSeller runs the guard for seller-scoped reads.
func AuthorizeSeller(actor authz.Actor, sellerID string) error {
	d := authz.Authorize(actor, authz.ActionSellerSummary, authz.Target{SellerID: sellerID})
	if !d.Allowed {
		return &DeniedError{Reason: d.Reason}
	}
	return nil
}
