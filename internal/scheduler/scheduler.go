// Package scheduler releases held funds once an order's escrow window ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/traces"
)

// DefaultBatchSize is how many due orders one page of a sweep lists.
const DefaultBatchSize = 200

// releasable are the statuses an auto-release may pay out from. Delivered
// orders qualify only while unreleased.
var releasable = []orders.Status{orders.StatusPaid, orders.StatusShipped, orders.StatusDelivered}

// ErrAlreadyRunning is returned when a sweep is requested while another is
// still in progress.
var ErrAlreadyRunning = errors.New("auto-release sweep already running")

// OrderLister finds eligible orders.
type OrderLister interface {
	ListOrders(ctx context.Context, f orders.Filter) ([]*orders.Order, error)
}

// Releaser pays out one order.
type Releaser interface {
	ReleaseFunds(ctx context.Context, orderID, processedBy string) (*escrow.Result, error)
}

// Failure is one order the sweep could not release.
type Failure struct {
	OrderID string `json:"orderId"`
	Error   string `json:"error"`
}

// Summary reports one sweep.
type Summary struct {
	Eligible   int       `json:"eligible"`
	Released   int       `json:"released"`
	Failed     []Failure `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Scheduler runs auto-release sweeps.
type Scheduler struct {
	orders   OrderLister
	releaser Releaser
	batch    int
	logger   *slog.Logger
	now      func() time.Time
	running  sync.Mutex
}

// New creates a scheduler.
func New(lister OrderLister, releaser Releaser, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		orders:   lister,
		releaser: releaser,
		batch:    DefaultBatchSize,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithBatchSize overrides DefaultBatchSize.
func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batch = n
	}
	return s
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// RunOnce releases every paid, shipped or unreleased delivered order whose
// release date has passed. Due orders are paged in (release date, id) order
// so orders that keep failing never hide the ones behind them. Each order is
// attempted independently: a failure (or panic) on one is recorded in the
// summary and the sweep moves on. The error is non-nil only when the sweep
// could not start.
func (s *Scheduler) RunOnce(ctx context.Context) (sum *Summary, err error) {
	if !s.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Unlock()

	ctx, span := traces.StartSpan(ctx, "scheduler.run")
	defer func() { traces.End(span, err) }()

	metrics.AutoReleaseRunsTotal.Inc()
	now := s.now()
	sum = &Summary{StartedAt: now, Failed: []Failure{}}

	var after *orders.ReleaseKey
	for page := 0; ; page++ {
		due, err := s.orders.ListOrders(ctx, orders.Filter{
			Statuses:         releasable,
			Unreleased:       true,
			ReleaseDueBefore: &now,
			DueAfter:         after,
			Limit:            s.batch,
		})
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("list due orders: %w", err)
			}
			s.logger.Error("auto-release sweep stopped early", "page", page, "error", err)
			break
		}

		for _, o := range due {
			if !o.State().HoldsFunds() {
				continue
			}
			sum.Eligible++
			if err := s.releaseOne(ctx, o.ID); err != nil {
				metrics.AutoReleaseOrdersTotal.WithLabelValues("failed").Inc()
				sum.Failed = append(sum.Failed, Failure{OrderID: o.ID, Error: err.Error()})
				s.logger.Warn("auto-release failed", "order_id", o.ID, "actor", orders.ActorSystem, "error", err)
				continue
			}
			metrics.AutoReleaseOrdersTotal.WithLabelValues("released").Inc()
			sum.Released++
		}

		if len(due) < s.batch || ctx.Err() != nil {
			break
		}
		after = orders.ReleaseKeyOf(due[len(due)-1])
	}

	sum.FinishedAt = s.now()
	s.logger.Info("auto-release sweep finished",
		"eligible", sum.Eligible, "released", sum.Released, "failed", len(sum.Failed),
		"duration", sum.FinishedAt.Sub(sum.StartedAt))
	return sum, nil
}

func (s *Scheduler) releaseOne(ctx context.Context, orderID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = s.releaser.ReleaseFunds(ctx, orderID, orders.ActorSystem)
	return err
}
