package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinescrow",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinescrow",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerOpErrors counts failed ledger operations by type and error.
	LedgerOpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinescrow",
			Name:      "ledger_operation_errors_total",
			Help:      "Failed ledger operations by type and error class.",
		},
		[]string{"type", "error"},
	)

	// ReconcileMismatchTotal counts reconciliations that found locked != held.
	ReconcileMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coinescrow",
			Name:      "ledger_reconcile_mismatch_total",
			Help:      "Reconciliation runs that found an inconsistent agent ledger.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerOpErrors,
		ReconcileMismatchTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// countErr records err (if any) against opType and returns it unchanged.
func countErr(opType string, err error) error {
	if err != nil {
		LedgerOpErrors.WithLabelValues(opType, errorClass(err)).Inc()
	}
	return err
}

func errorClass(err error) string {
	for _, c := range []struct {
		err  error
		name string
	}{
		{ErrInsufficientBalance, "insufficient_balance"},
		{ErrAgentNotFound, "agent_not_found"},
		{ErrHoldNotFound, "hold_not_found"},
		{ErrHoldNotActive, "hold_not_active"},
		{ErrDuplicateHold, "duplicate_hold"},
		{ErrHoldMismatch, "hold_mismatch"},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrUnavailable, "unavailable"},
	} {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "other"
}
