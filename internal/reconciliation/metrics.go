package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinescrow",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Agents whose locked balance disagreed with their active holds in the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinescrow",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Open purchase requests past their expiry deadline in the last run.",
	})

	reconcileHoldMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinescrow",
		Subsystem: "reconciliation",
		Name:      "hold_mismatches",
		Help:      "Open purchase requests without a matching active hold in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coinescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coinescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckEscrows,
		reconcileHoldMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
