package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stalePayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Pending orders past the stale threshold in the last run.",
	})

	recoveredPayments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "recovered_payments_total",
		Help:      "Orders moved by reconciliation after a missed processor event.",
	})

	overdueReleases = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "overdue_releases",
		Help:      "Orders holding funds past their release date in the last run.",
	})

	ledgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Settled orders whose transaction log disagrees with the order in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	checkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradehold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation checks that failed to run.",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		stalePayments,
		recoveredPayments,
		overdueReleases,
		ledgerMismatches,
		runDuration,
		checkErrors,
	)
}

func observeReport(rep *Report, elapsed time.Duration) {
	stalePayments.Set(float64(rep.StalePayments))
	recoveredPayments.Add(float64(rep.RecoveredPayments))
	overdueReleases.Set(float64(rep.OverdueReleases))
	ledgerMismatches.Set(float64(rep.LedgerMismatches))
	runDuration.Observe(elapsed.Seconds())
}
