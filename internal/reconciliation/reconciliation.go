// Package reconciliation cross-checks the escrow engine against the ledger.
//
// A run walks every open purchase request (ESCROW_LOCKED or PAID) and checks
// that its ledger hold is active and matches the request, that it is not
// sitting past its expiry deadline, and that each affected agent's locked
// balance equals the sum of its active holds.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/ledger"
)

// PurchaseLister lists purchase requests by status.
type PurchaseLister interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.PurchaseRequest, error)
}

// Problem kinds reported by a run.
const (
	KindLedgerMismatch = "ledger_mismatch"
	KindStuckEscrow    = "stuck_escrow"
	KindHoldMismatch   = "hold_mismatch"
)

// Finding is one inconsistency.
type Finding struct {
	Kind       string `json:"kind"`
	AgentID    string `json:"agentId"`
	PurchaseID string `json:"purchaseId,omitempty"`
	Detail     string `json:"detail"`
}

// Report is the outcome of one run.
type Report struct {
	OpenPurchases    int       `json:"openPurchases"`
	AgentsChecked    int       `json:"agentsChecked"`
	LedgerMismatches int       `json:"ledgerMismatches"`
	StuckEscrows     int       `json:"stuckEscrows"`
	HoldMismatches   int       `json:"holdMismatches"`
	Findings         []Finding `json:"findings,omitempty"`
	Duration         string    `json:"duration"`
	CheckedAt        time.Time `json:"checkedAt"`
}

// Clean reports whether the run found nothing.
func (r *Report) Clean() bool {
	return len(r.Findings) == 0
}

// Runner performs reconciliation runs.
type Runner struct {
	purchases PurchaseLister
	ledger    ledger.Reader
	grace     time.Duration
	limit     int
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a runner. Requests are flagged as stuck once they are
// more than two minutes past their deadline.
func NewRunner(purchases PurchaseLister, l ledger.Reader, logger *slog.Logger) *Runner {
	return &Runner{
		purchases: purchases,
		ledger:    l,
		grace:     2 * time.Minute,
		limit:     1000,
		logger:    logger,
		now:       time.Now,
	}
}

// WithGrace sets how far past ExpiresAt an open request may be before it
// counts as stuck.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	r.grace = d
	return r
}

// WithClock replaces time.Now, for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll executes every check and updates the reconciliation gauges.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.now()
	report := &Report{CheckedAt: now.UTC()}

	var open []*escrow.PurchaseRequest
	for _, status := range []escrow.Status{escrow.StatusEscrowLocked, escrow.StatusPaid} {
		reqs, err := r.purchases.ListByStatus(ctx, status, r.limit)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list %s purchases: %w", status, err)
		}
		open = append(open, reqs...)
	}
	report.OpenPurchases = len(open)

	agents := map[string]struct{}{}
	for _, req := range open {
		agents[req.AgentID] = struct{}{}

		if now.After(req.ExpiresAt.Add(r.grace)) {
			report.add(Finding{
				Kind:       KindStuckEscrow,
				AgentID:    req.AgentID,
				PurchaseID: req.ID,
				Detail:     fmt.Sprintf("%s since %s", req.Status, req.ExpiresAt.UTC().Format(time.RFC3339)),
			})
		}

		if f, err := r.checkHold(ctx, req); err != nil {
			reconcileErrors.Inc()
			return nil, err
		} else if f != nil {
			report.add(*f)
		}
	}

	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec, err := ledger.Reconcile(ctx, r.ledger, id)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("reconcile agent %s: %w", id, err)
		}
		if !rec.Consistent {
			report.add(Finding{
				Kind:    KindLedgerMismatch,
				AgentID: id,
				Detail: fmt.Sprintf("locked %d, active holds %d, total %d",
					rec.LockedBalance, rec.ActiveHolds, rec.TotalBalance),
			})
		}
	}
	report.AgentsChecked = len(ids)

	elapsed := time.Since(start)
	report.Duration = elapsed.String()
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileLedgerMismatches.Set(float64(report.LedgerMismatches))
	reconcileStuckEscrows.Set(float64(report.StuckEscrows))
	reconcileHoldMismatches.Set(float64(report.HoldMismatches))

	if report.Clean() {
		r.logger.Debug("reconciliation clean",
			"openPurchases", report.OpenPurchases, "agents", report.AgentsChecked)
	} else {
		for _, f := range report.Findings {
			r.logger.Error("reconciliation finding",
				"kind", f.Kind, "agentId", f.AgentID, "purchaseId", f.PurchaseID, "detail", f.Detail)
		}
	}
	return report, nil
}

// checkHold verifies that an open request still owns an active hold for
// exactly its coins.
func (r *Runner) checkHold(ctx context.Context, req *escrow.PurchaseRequest) (*Finding, error) {
	h, err := r.ledger.GetHold(ctx, req.ID)
	if errors.Is(err, ledger.ErrHoldNotFound) {
		return &Finding{Kind: KindHoldMismatch, AgentID: req.AgentID, PurchaseID: req.ID, Detail: "no hold"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hold %s: %w", req.ID, err)
	}
	switch {
	case h.Status != ledger.HoldActive:
		return &Finding{Kind: KindHoldMismatch, AgentID: req.AgentID, PurchaseID: req.ID,
			Detail: fmt.Sprintf("hold is %s", h.Status)}, nil
	case h.AgentID != req.AgentID || h.Amount != req.CoinAmount:
		return &Finding{Kind: KindHoldMismatch, AgentID: req.AgentID, PurchaseID: req.ID,
			Detail: fmt.Sprintf("hold %s/%d, request %s/%d", h.AgentID, h.Amount, req.AgentID, req.CoinAmount)}, nil
	}
	return nil, nil
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
	switch f.Kind {
	case KindLedgerMismatch:
		r.LedgerMismatches++
	case KindStuckEscrow:
		r.StuckEscrows++
	case KindHoldMismatch:
		r.HoldMismatches++
	}
}
