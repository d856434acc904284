// Package worker runs background jobs inside the server process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradehold",
	Subsystem: "worker",
	Name:      "runs_total",
	Help:      "Background job runs by job and result.",
}, []string{"job", "result"})

func init() {
	prometheus.MustRegister(runsTotal)
}

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Periodic calls a Job every interval until stopped. A run that panics or
// fails is logged and the loop carries on.
type Periodic struct {
	name     string
	interval time.Duration
	job      Job
	logger   *slog.Logger
	benign   []error

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewPeriodic creates a loop named name. The name labels logs and metrics.
func NewPeriodic(name string, interval time.Duration, job Job, logger *slog.Logger) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		job:      job,
		logger:   logger.With("job", name),
		stop:     make(chan struct{}),
	}
}

// Benign marks errors that mean "skipped", such as an overlapping manual
// run. They are counted but not logged as failures.
func (p *Periodic) Benign(errs ...error) *Periodic {
	p.benign = append(p.benign, errs...)
	return p
}

// Running reports whether the loop is active.
func (p *Periodic) Running() bool { return p.running.Load() }

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (p *Periodic) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)
	p.logger.Info("background job started", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Periodic) runOnce(ctx context.Context) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			p.logger.Error("panic in background job", "panic", fmt.Sprint(r))
		}
		runsTotal.WithLabelValues(p.name, result).Inc()
	}()

	err := p.job(ctx)
	switch {
	case err == nil:
	case p.isBenign(err):
		result = "skipped"
		p.logger.Debug("background job skipped", "reason", err)
	default:
		result = "error"
		p.logger.Warn("background job failed", "error", err)
	}
}

func (p *Periodic) isBenign(err error) bool {
	for _, b := range p.benign {
		if errors.Is(err, b) {
			return true
		}
	}
	return false
}
