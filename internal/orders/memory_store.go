package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	byIntent map[string]string
	txs      map[string][]*Transaction
	claims   map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		byIntent: make(map[string]string),
		txs:      make(map[string][]*Transaction),
		claims:   make(map[string]struct{}),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	m.orders[o.ID] = o.clone()
	if o.PaymentIntentID != "" {
		m.byIntent[o.PaymentIntentID] = o.ID
	}
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) GetOrderByPaymentIntent(_ context.Context, paymentIntentID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIntent[paymentIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.orders[id].clone(), nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id string, expected, next Status, upd Update) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != expected {
		return nil, ErrConflict
	}
	if upd.RequireUnreleased && o.ReleasedAt != nil {
		return nil, ErrConflict
	}

	cp := o.clone()
	cp.Status = next
	cp.UpdatedAt = time.Now().UTC()
	applyUpdate(cp, upd)
	m.orders[id] = cp

	if upd.Entry != nil {
		entry := *upd.Entry
		m.txs[id] = append(m.txs[id], &entry)
	}
	return cp.clone(), nil
}

func applyUpdate(o *Order, upd Update) {
	if upd.PaymentMethodID != nil {
		o.PaymentMethodID = *upd.PaymentMethodID
	}
	if upd.TrackingNumber != nil {
		o.TrackingNumber = *upd.TrackingNumber
	}
	if upd.Carrier != nil {
		o.Carrier = *upd.Carrier
	}
	if upd.PaidAt != nil {
		o.PaidAt = cloneTime(upd.PaidAt)
	}
	if upd.ShippedAt != nil {
		o.ShippedAt = cloneTime(upd.ShippedAt)
	}
	if upd.DeliveredAt != nil {
		o.DeliveredAt = cloneTime(upd.DeliveredAt)
	}
	if upd.ReleasedAt != nil {
		o.ReleasedAt = cloneTime(upd.ReleasedAt)
	}
}

func (m *MemoryStore) ListOrders(_ context.Context, f Filter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !matches(o, f) {
			continue
		}
		result = append(result, o.clone())
	}

	if f.ReleaseDueBefore != nil {
		sort.Slice(result, func(i, j int) bool {
			if !result[i].EscrowReleaseDate.Equal(result[j].EscrowReleaseDate) {
				return result[i].EscrowReleaseDate.Before(result[j].EscrowReleaseDate)
			}
			return result[i].ID < result[j].ID
		})
	} else {
		sort.Slice(result, func(i, j int) bool {
			if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
				return result[i].CreatedAt.Before(result[j].CreatedAt)
			}
			return result[i].ID < result[j].ID
		})
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func matches(o *Order, f Filter) bool {
	if f.SellerID != "" && o.SellerID != f.SellerID {
		return false
	}
	if f.BuyerID != "" && o.BuyerID != f.BuyerID {
		return false
	}
	if f.Unreleased && o.ReleasedAt != nil {
		return false
	}
	if f.ReleaseDueBefore != nil && o.EscrowReleaseDate.After(*f.ReleaseDueBefore) {
		return false
	}
	if f.ReleaseDueBefore != nil && !f.DueAfter.Admits(o) {
		return false
	}
	if !f.After.Admits(o.CreatedAt, o.ID) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *MemoryStore) AppendEscrowTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[tx.OrderID]; !ok {
		return ErrNotFound
	}
	entry := *tx
	m.txs[tx.OrderID] = append(m.txs[tx.OrderID], &entry)
	return nil
}

func (m *MemoryStore) ListEscrowTransactions(_ context.Context, orderID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Transaction, 0, len(m.txs[orderID]))
	for _, tx := range m.txs[orderID] {
		cp := *tx
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListSellerTransactions(_ context.Context, sellerID string, types ...TransactionType) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for orderID, txs := range m.txs {
		if o, ok := m.orders[orderID]; !ok || o.SellerID != sellerID {
			continue
		}
		for _, tx := range txs {
			if len(types) > 0 && !hasType(types, tx.Type) {
				continue
			}
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func hasType(types []TransactionType, t TransactionType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ClaimSideEffect(_ context.Context, orderID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orderID + "/" + kind
	if _, ok := m.claims[key]; ok {
		return false, nil
	}
	m.claims[key] = struct{}{}
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
