package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/money"
)

// PostgresStore persists orders and escrow transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, product_id, quantity,
		       unit_price, subtotal, shipping_cost, commission_fee, total_amount,
		       currency, seller_tier, payment_intent_id, payment_method_id,
		       status, escrow_release_date, dispute_deadline, shipping_address,
		       tracking_number, carrier, paid_at, shipped_at, delivered_at, released_at,
		       created_at, updated_at`

const txColumns = `id, order_id, type, amount, actor, reason, external_ref, created_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, product_id, quantity,
			unit_price, subtotal, shipping_cost, commission_fee, total_amount,
			currency, seller_tier, payment_intent_id, payment_method_id,
			status, escrow_release_date, dispute_deadline, shipping_address,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20
		)`,
		o.ID, o.BuyerID, o.SellerID, o.ProductID, o.Quantity,
		o.UnitPrice, o.Subtotal, o.ShippingCost, o.CommissionFee, o.TotalAmount,
		o.Currency, string(o.SellerTier), nullString(o.PaymentIntentID), nullString(o.PaymentMethodID),
		string(o.Status), o.EscrowReleaseDate, o.DisputeDeadline, addr,
		o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, paymentIntentID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// UpdateOrderStatus performs the compare-and-swap in a single UPDATE and
// writes upd.Entry in the same transaction.
func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, expected, next Status, upd Update) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE orders SET
			status = $3,
			updated_at = $4,
			payment_method_id = COALESCE($5, payment_method_id),
			tracking_number = COALESCE($6, tracking_number),
			carrier = COALESCE($7, carrier),
			paid_at = COALESCE($8, paid_at),
			shipped_at = COALESCE($9, shipped_at),
			delivered_at = COALESCE($10, delivered_at),
			released_at = COALESCE($11, released_at)
		WHERE id = $1 AND status = $2`
	if upd.RequireUnreleased {
		query += ` AND released_at IS NULL`
	}
	query += ` RETURNING ` + orderColumns

	row := tx.QueryRowContext(ctx, query,
		id, string(expected), string(next), time.Now().UTC(),
		nullStringPtr(upd.PaymentMethodID), nullStringPtr(upd.TrackingNumber), nullStringPtr(upd.Carrier),
		nullTime(upd.PaidAt), nullTime(upd.ShippedAt), nullTime(upd.DeliveredAt), nullTime(upd.ReleasedAt),
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	if upd.Entry != nil {
		if err := insertTransaction(ctx, tx, upd.Entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListOrders(ctx context.Context, f Filter) ([]*Order, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	var due sql.NullTime
	if f.ReleaseDueBefore != nil {
		due = sql.NullTime{Time: *f.ReleaseDueBefore, Valid: true}
	}
	order := "created_at, id"
	if due.Valid {
		order = "escrow_release_date, id"
	}
	var afterAt sql.NullTime
	var afterID string
	if f.After != nil {
		afterAt = sql.NullTime{Time: f.After.CreatedAt, Valid: true}
		afterID = f.After.ID
	}
	var dueAfterAt sql.NullTime
	var dueAfterID string
	if due.Valid && f.DueAfter != nil {
		dueAfterAt = sql.NullTime{Time: f.DueAfter.Due, Valid: true}
		dueAfterID = f.DueAfter.ID
	}
	// LIMIT NULL returns every row.
	var limit sql.NullInt64
	if f.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(f.Limit), Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2::text = '' OR seller_id = $2)
		  AND ($3::text = '' OR buyer_id = $3)
		  AND ($4::timestamptz IS NULL OR escrow_release_date <= $4)
		  AND ($6::timestamptz IS NULL OR (created_at, id) > ($6, $7::text))
		  AND (NOT $8::boolean OR released_at IS NULL)
		  AND ($9::timestamptz IS NULL OR (escrow_release_date, id) > ($9, $10::text))
		ORDER BY `+order+`
		LIMIT $5::bigint`,
		pq.Array(statuses), f.SellerID, f.BuyerID, due, limit, afterAt, afterID,
		f.Unreleased, dueAfterAt, dueAfterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendEscrowTransaction(ctx context.Context, t *Transaction) error {
	err := insertTransaction(ctx, p.db, t)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTransaction(ctx context.Context, db execer, t *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OrderID, string(t.Type), t.Amount, t.Actor,
		nullString(t.Reason), nullString(t.ExternalRef), t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEscrowTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListSellerTransactions(ctx context.Context, sellerID string, types ...TransactionType) ([]*Transaction, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.order_id, t.type, t.amount, t.actor, t.reason, t.external_ref, t.created_at
		FROM escrow_transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE o.seller_id = $1
		  AND (cardinality($2::text[]) = 0 OR t.type = ANY($2))
		ORDER BY t.created_at ASC`, sellerID, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ClaimSideEffect(ctx context.Context, orderID, kind string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO order_side_effects (order_id, kind, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (order_id, kind) DO NOTHING`, orderID, kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status, tier    string
		intentID        sql.NullString
		methodID        sql.NullString
		tracking        sql.NullString
		carrier         sql.NullString
		addrJSON        []byte
		paidAt          sql.NullTime
		shippedAt       sql.NullTime
		deliveredAt     sql.NullTime
		releasedAt      sql.NullTime
		unit, sub, ship decimal.Decimal
		fee, total      decimal.Decimal
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &o.Quantity,
		&unit, &sub, &ship, &fee, &total,
		&o.Currency, &tier, &intentID, &methodID,
		&status, &o.EscrowReleaseDate, &o.DisputeDeadline, &addrJSON,
		&tracking, &carrier, &paidAt, &shippedAt, &deliveredAt, &releasedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.UnitPrice, o.Subtotal, o.ShippingCost = money.Round(unit), money.Round(sub), money.Round(ship)
	o.CommissionFee, o.TotalAmount = money.Round(fee), money.Round(total)
	o.Status = Status(status)
	o.SellerTier = money.Tier(tier)
	o.PaymentIntentID = intentID.String
	o.PaymentMethodID = methodID.String
	o.TrackingNumber = tracking.String
	o.Carrier = carrier.String
	o.PaidAt = timePtr(paidAt)
	o.ShippedAt = timePtr(shippedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.ReleasedAt = timePtr(releasedAt)
	if len(addrJSON) > 0 {
		if err := json.Unmarshal(addrJSON, &o.ShippingAddress); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var (
			typ         string
			reason, ref sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &typ, &t.Amount, &t.Actor, &reason, &ref, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TransactionType(typ)
		t.Amount = money.Round(t.Amount)
		t.Reason = reason.String
		t.ExternalRef = ref.String
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
