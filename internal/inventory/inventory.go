// Package inventory tracks how many units of each product are available.
//
// Decrements never fail for lack of stock: availability is clamped at zero
// and the caller is told so it can log the oversell.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("product not found")

// Product is a sellable item and its stock level.
type Product struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"sellerId"`
	Name      string          `json:"name,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Available int             `json:"available"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Decrement reports the outcome of DecrementAvailable.
type Decrement struct {
	Remaining int
	// Shortfall is how many units were requested beyond what was available.
	Shortfall int
}

// Clamped reports whether the decrement hit zero before covering the quantity.
func (d Decrement) Clamped() bool { return d.Shortfall > 0 }

// Store persists products.
type Store interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	UpsertProduct(ctx context.Context, p *Product) error
	DecrementAvailable(ctx context.Context, productID string, qty int) (Decrement, error)
}

// MemoryStore is an in-memory inventory for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*Product
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertProduct(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) DecrementAvailable(_ context.Context, productID string, qty int) (Decrement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return Decrement{}, ErrNotFound
	}
	d := clamp(p.Available, qty)
	p.Available = d.Remaining
	p.UpdatedAt = time.Now().UTC()
	return d, nil
}

func clamp(available, qty int) Decrement {
	if qty <= available {
		return Decrement{Remaining: available - qty}
	}
	return Decrement{Remaining: 0, Shortfall: qty - available}
}

// PostgresStore persists products in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	p := &Product{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seller_id, name, unit_price, available, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SellerID, &p.Name, &p.UnitPrice, &p.Available, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, name, unit_price, available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			name = EXCLUDED.name,
			unit_price = EXCLUDED.unit_price,
			available = EXCLUDED.available,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.SellerID, p.Name, p.UnitPrice, p.Available, p.UpdatedAt)
	return err
}

// DecrementAvailable subtracts qty in one statement; the CTE keeps the prior
// value so the shortfall can be reported.
func (s *PostgresStore) DecrementAvailable(ctx context.Context, productID string, qty int) (Decrement, error) {
	var before, after int
	err := s.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, available FROM products WHERE id = $1 FOR UPDATE
		)
		UPDATE products p
		SET available = GREATEST(p.available - $2, 0), updated_at = NOW()
		FROM prev
		WHERE p.id = prev.id
		RETURNING prev.available, p.available
	`, productID, qty).Scan(&before, &after)
	if errors.Is(err, sql.ErrNoRows) {
		return Decrement{}, ErrNotFound
	}
	if err != nil {
		return Decrement{}, err
	}
	d := Decrement{Remaining: after}
	if qty > before {
		d.Shortfall = qty - before
	}
	return d, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
