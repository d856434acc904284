//go:build integration

package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/testutil"
)

func TestPostgresStore_Decrement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `INSERT INTO sellers (id, tier) VALUES ('s1', 'pro')`); err != nil {
		t.Fatal(err)
	}
	s := NewPostgresStore(db)
	if err := s.UpsertProduct(ctx, &Product{ID: "p1", SellerID: "s1", UnitPrice: decimal.RequireFromString("9.99"), Available: 3, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	d, err := s.DecrementAvailable(ctx, "p1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != 0 || d.Shortfall != 2 {
		t.Fatalf("expected clamp with shortfall 2, got %+v", d)
	}

	if _, err := s.DecrementAvailable(ctx, "missing", 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p, err := s.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.UnitPrice.StringFixed(2) != "9.99" {
		t.Fatalf("unexpected price %s", p.UnitPrice)
	}
}
