// Package admin provides operator endpoints: the seller and product
// catalogue the escrow engine prices orders from, and on-demand
// reconciliation of stuck escrow states.
package admin

import (
	"context"

	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/reconciliation"
	"github.com/mbd888/tradehold/internal/sellers"
)

// SellerStore is the seller catalogue.
type SellerStore interface {
	Get(ctx context.Context, id string) (*sellers.Seller, error)
	Upsert(ctx context.Context, s *sellers.Seller) error
}

// ProductStore is the product catalogue.
type ProductStore interface {
	UpsertProduct(ctx context.Context, p *inventory.Product) error
}

// Reconciler runs reconciliation passes.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// SellerRequest is the body of PUT /admin/sellers/:sellerId.
type SellerRequest struct {
	Name          string     `json:"name"`
	Tier          money.Tier `json:"tier"`
	PayoutAccount string     `json:"payoutAccount"`
}

// ProductRequest is the body of PUT /admin/products/:productId.
type ProductRequest struct {
	SellerID  string `json:"sellerId" binding:"required"`
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice" binding:"required"`
	Available int    `json:"available"`
}
