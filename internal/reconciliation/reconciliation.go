// Package reconciliation finds orders whose escrow state has drifted from
// the processor or from their own transaction log.
//
// Three checks run per pass:
//
//   - stale payments: pending orders older than StalePaymentAfter are
//     confirmed against the processor, which recovers missed webhooks.
//   - overdue releases: orders still holding funds well past their release
//     date, which the auto-release sweep should have paid out.
//   - ledger: settled orders whose hold, release and refund entries do not
//     add up to the order's amounts.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/pagination"
	"github.com/mbd888/tradehold/internal/traces"
)

// ErrAlreadyRunning is returned when a pass is requested while one is in
// progress.
var ErrAlreadyRunning = errors.New("reconciliation: already running")

// Finding kinds.
const (
	KindStalePayment     = "stale_payment"
	KindRecoveredPayment = "recovered_payment"
	KindOverdueRelease   = "overdue_release"
	KindLedgerMismatch   = "ledger_mismatch"
	KindCheckError       = "check_error"
)

// Store is the read side of the order store used by the checks.
type Store interface {
	ListOrders(ctx context.Context, f orders.Filter) ([]*orders.Order, error)
	ListEscrowTransactions(ctx context.Context, orderID string) ([]*orders.Transaction, error)
}

// PaymentConfirmer reconciles one pending order with the processor.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID, actor string) (*escrow.Confirmation, error)
}

// Config tunes the checks. Zero values take the defaults.
type Config struct {
	StalePaymentAfter time.Duration
	OverdueGrace      time.Duration
	Batch             int
}

const (
	DefaultStalePaymentAfter = 30 * time.Minute
	DefaultOverdueGrace      = time.Hour
	DefaultBatch             = 200
)

// Finding is one order the checks flagged.
type Finding struct {
	OrderID string `json:"orderId"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

// Report summarizes one pass.
type Report struct {
	StalePayments     int       `json:"stalePayments"`
	RecoveredPayments int       `json:"recoveredPayments"`
	OverdueReleases   int       `json:"overdueReleases"`
	LedgerChecked     int       `json:"ledgerChecked"`
	LedgerMismatches  int       `json:"ledgerMismatches"`
	Errors            int       `json:"errors"`
	Findings          []Finding `json:"findings"`
	Healthy           bool      `json:"healthy"`
	DurationMS        int64     `json:"durationMs"`
	Timestamp         time.Time `json:"timestamp"`
}

func (r *Report) add(kind, orderID, detail string) {
	r.Findings = append(r.Findings, Finding{OrderID: orderID, Kind: kind, Detail: detail})
}

// Runner executes reconciliation passes. Passes never overlap.
type Runner struct {
	store     Store
	confirmer PaymentConfirmer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	last   *Report
	ledger *pagination.Cursor // resumes the ledger walk across passes
}

// NewRunner creates a reconciliation runner.
func NewRunner(store Store, confirmer PaymentConfirmer, cfg Config, logger *slog.Logger) *Runner {
	if cfg.StalePaymentAfter <= 0 {
		cfg.StalePaymentAfter = DefaultStalePaymentAfter
	}
	if cfg.OverdueGrace <= 0 {
		cfg.OverdueGrace = DefaultOverdueGrace
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Runner{
		store:     store,
		confirmer: confirmer,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the runner's clock (for testing).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Last returns the most recent report, or nil before the first pass.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunAll runs every check once. A failing check is recorded in the report
// and does not stop the others.
func (r *Runner) RunAll(ctx context.Context) (rep *Report, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "reconciliation.run")
	defer func() { traces.End(span, err) }()

	start := r.now()
	rep = &Report{Timestamp: start, Findings: []Finding{}}

	checks := []struct {
		name string
		fn   func(context.Context, *Report) error
	}{
		{"stale_payments", r.checkStalePayments},
		{"overdue_releases", r.checkOverdueReleases},
		{"ledger", r.checkLedger},
	}
	for _, c := range checks {
		if err := c.fn(ctx, rep); err != nil {
			rep.Errors++
			rep.add(KindCheckError, "", c.name+": "+err.Error())
			checkErrors.WithLabelValues(c.name).Inc()
			r.logger.Warn("reconciliation check failed", "check", c.name, "error", err)
		}
	}

	rep.Healthy = rep.StalePayments == 0 && rep.OverdueReleases == 0 && rep.LedgerMismatches == 0 && rep.Errors == 0
	rep.DurationMS = r.now().Sub(start).Milliseconds()
	observeReport(rep, r.now().Sub(start))

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	log := r.logger.Info
	if !rep.Healthy {
		log = r.logger.Warn
	}
	log("reconciliation completed",
		"stale_payments", rep.StalePayments,
		"recovered_payments", rep.RecoveredPayments,
		"overdue_releases", rep.OverdueReleases,
		"ledger_checked", rep.LedgerChecked,
		"ledger_mismatches", rep.LedgerMismatches,
		"errors", rep.Errors,
	)
	return rep, nil
}

func (r *Runner) checkStalePayments(ctx context.Context, rep *Report) error {
	list, err := r.store.ListOrders(ctx, orders.Filter{
		Statuses: []orders.Status{orders.StatusPending},
		Limit:    r.cfg.Batch,
	})
	if err != nil {
		return err
	}
	cutoff := r.now().Add(-r.cfg.StalePaymentAfter)
	for _, o := range list {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.PaymentIntentID == "" || o.CreatedAt.After(cutoff) {
			continue
		}
		conf, err := r.confirmer.ConfirmPayment(ctx, o.ID, orders.ActorSystem)
		switch {
		case err != nil:
			rep.StalePayments++
			rep.add(KindStalePayment, o.ID, "confirm failed: "+err.Error())
		case conf.Transitioned:
			rep.RecoveredPayments++
			rep.add(KindRecoveredPayment, o.ID, fmt.Sprintf("intent %s, order now %s", conf.IntentStatus, conf.Order.Status))
			r.logger.Info("recovered missed payment event", "order_id", o.ID, "status", string(conf.Order.Status))
		case conf.Order.Status == orders.StatusPending:
			rep.StalePayments++
			rep.add(KindStalePayment, o.ID, fmt.Sprintf("pending since %s, intent %s", o.CreatedAt.Format(time.RFC3339), conf.IntentStatus))
		}
	}
	return nil
}

func (r *Runner) checkOverdueReleases(ctx context.Context, rep *Report) error {
	due := r.now().Add(-r.cfg.OverdueGrace)
	list, err := r.store.ListOrders(ctx, orders.Filter{
		Statuses:         []orders.Status{orders.StatusPaid, orders.StatusShipped, orders.StatusDelivered},
		Unreleased:       true,
		ReleaseDueBefore: &due,
		Limit:            r.cfg.Batch,
	})
	if err != nil {
		return err
	}
	for _, o := range list {
		if !o.State().HoldsFunds() {
			continue
		}
		rep.OverdueReleases++
		rep.add(KindOverdueRelease, o.ID, "release was due "+o.EscrowReleaseDate.Format(time.RFC3339))
	}
	return nil
}

// checkLedger walks settled orders a batch at a time, resuming where the
// previous pass stopped and wrapping at the end.
func (r *Runner) checkLedger(ctx context.Context, rep *Report) error {
	r.mu.Lock()
	after := r.ledger
	r.mu.Unlock()

	list, err := r.store.ListOrders(ctx, orders.Filter{
		Statuses: []orders.Status{orders.StatusDelivered, orders.StatusRefunded},
		After:    after,
		Limit:    r.cfg.Batch,
	})
	if err != nil {
		return err
	}

	var next *pagination.Cursor
	if len(list) == r.cfg.Batch {
		last := list[len(list)-1]
		next = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	r.mu.Lock()
	r.ledger = next
	r.mu.Unlock()

	for _, o := range list {
		if o.Status == orders.StatusDelivered && o.ReleasedAt == nil {
			continue
		}
		txs, err := r.store.ListEscrowTransactions(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("transactions for %s: %w", o.ID, err)
		}
		rep.LedgerChecked++
		if problem := ledgerProblem(o, txs); problem != "" {
			rep.LedgerMismatches++
			rep.add(KindLedgerMismatch, o.ID, problem)
			r.logger.Error("escrow ledger mismatch", "order_id", o.ID, "problem", problem)
		}
	}
	return nil
}

// ledgerProblem describes how txs disagree with o, or returns "".
func ledgerProblem(o *orders.Order, txs []*orders.Transaction) string {
	sums := make(map[orders.TransactionType]decimal.Decimal)
	counts := make(map[orders.TransactionType]int)
	for _, tx := range txs {
		sums[tx.Type] = sums[tx.Type].Add(tx.Amount)
		counts[tx.Type]++
	}

	if o.PaidAt != nil && (counts[orders.TxHold] != 1 || !sums[orders.TxHold].Equal(o.TotalAmount)) {
		return fmt.Sprintf("expected one hold of %s, found %d totalling %s",
			money.Format(o.TotalAmount), counts[orders.TxHold], money.Format(sums[orders.TxHold]))
	}

	switch o.Status {
	case orders.StatusDelivered:
		if counts[orders.TxRefund] > 0 {
			return "released order also has a refund entry"
		}
		if counts[orders.TxRelease] != 1 || !sums[orders.TxRelease].Equal(o.NetToSeller()) {
			return fmt.Sprintf("expected one release of %s, found %d totalling %s",
				money.Format(o.NetToSeller()), counts[orders.TxRelease], money.Format(sums[orders.TxRelease]))
		}
	case orders.StatusRefunded:
		if counts[orders.TxRelease] > 0 {
			return "refunded order also has a release entry"
		}
		want := o.TotalAmount
		if o.PaidAt == nil {
			want = decimal.Zero
		}
		if counts[orders.TxRefund] != 1 || !sums[orders.TxRefund].Equal(want) {
			return fmt.Sprintf("expected one refund of %s, found %d totalling %s",
				money.Format(want), counts[orders.TxRefund], money.Format(sums[orders.TxRefund]))
		}
	}
	return ""
}
