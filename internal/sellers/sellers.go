// Package sellers keeps the seller facts the escrow engine needs: the
// subscription tier that prices commission, and the processor account
// payouts go to.
package sellers

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/money"
)

var ErrNotFound = errors.New("seller not found")

// Seller is a marketplace vendor.
type Seller struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Tier          money.Tier `json:"tier"`
	PayoutAccount string     `json:"payoutAccount,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists sellers.
type Store interface {
	Get(ctx context.Context, id string) (*Seller, error)
	Upsert(ctx context.Context, s *Seller) error
}

// MemoryStore is an in-memory seller store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	sellers map[string]*Seller
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sellers: make(map[string]*Seller)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sellers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, s *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if prev, ok := m.sellers[s.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	m.sellers[s.ID] = &cp
	return nil
}

// PostgresStore persists sellers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Seller, error) {
	s := &Seller{}
	var (
		tier   string
		payout sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, tier, payout_account, created_at, updated_at
		FROM sellers WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &tier, &payout, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Tier = money.Tier(tier)
	s.PayoutAccount = payout.String
	return s, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, s *Seller) error {
	var payout sql.NullString
	if s.PayoutAccount != "" {
		payout = sql.NullString{String: s.PayoutAccount, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sellers (id, name, tier, payout_account, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			tier = EXCLUDED.tier,
			payout_account = EXCLUDED.payout_account,
			updated_at = EXCLUDED.updated_at
	`, s.ID, s.Name, string(s.Tier), payout, s.CreatedAt, s.UpdatedAt)
	return err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
