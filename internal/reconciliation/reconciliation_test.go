package reconciliation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/ledger"
)

type fixture struct {
	ledger *ledger.MemoryStore
	store  *escrow.MemoryStore
	svc    *escrow.Service
	now    time.Time
	logs   bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.ledger = ledger.NewMemoryStore()
	_, _, err := f.ledger.Fund(context.Background(), "agent-1", 1000, "seed")
	require.NoError(t, err)
	_, _, err = f.ledger.Fund(context.Background(), "agent-2", 1000, "seed")
	require.NoError(t, err)
	f.store = escrow.NewMemoryStore(f.ledger)
	f.svc = escrow.NewService(f.store, escrow.DefaultConfig()).WithClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) runner(r ledger.Reader) *Runner {
	logger := slog.New(slog.NewTextHandler(&f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRunner(f.store, r, logger).WithClock(f.clock)
}

func (f *fixture) create(t *testing.T, agentID string, coins int64) *escrow.PurchaseRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), escrow.CreateInput{
		BuyerID: "buyer-1", AgentID: agentID, CoinAmount: coins, PaymentMethod: escrow.PaymentCash,
	})
	require.NoError(t, err)
	return req
}

func TestRunAll_Clean(t *testing.T) {
	f := newFixture(t)
	f.create(t, "agent-1", 100)
	paid := f.create(t, "agent-2", 50)
	_, err := f.svc.MarkPaid(context.Background(), paid.ID, escrow.MarkPaidInput{Proof: "r"})
	require.NoError(t, err)

	report, err := f.runner(f.ledger).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report.Findings)
	assert.Equal(t, 2, report.OpenPurchases)
	assert.Equal(t, 2, report.AgentsChecked)
	assert.Contains(t, f.logs.String(), "reconciliation clean")
}

func TestRunAll_StuckEscrow(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, "agent-1", 100)

	// Just past the deadline is still within grace.
	f.now = req.ExpiresAt.Add(time.Minute)
	report, err := f.runner(f.ledger).RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.StuckEscrows)

	f.now = req.ExpiresAt.Add(10 * time.Minute)
	report, err = f.runner(f.ledger).RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.StuckEscrows)
	assert.Equal(t, KindStuckEscrow, report.Findings[0].Kind)
	assert.Equal(t, req.ID, report.Findings[0].PurchaseID)
	assert.Contains(t, f.logs.String(), "reconciliation finding")
}

func TestRunAll_HoldReleasedUnderOpenRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, "agent-1", 100)

	// Something released the coins without resolving the request.
	require.NoError(t, f.ledger.Release(ctx, "agent-1", 100, req.ID))

	report, err := f.runner(f.ledger).RunAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.HoldMismatches)
	assert.Equal(t, "hold is released", report.Findings[0].Detail)
	assert.Zero(t, report.LedgerMismatches, "balances still agree with holds")
}

// skewedLedger reports more coins locked than its holds account for.
type skewedLedger struct{ *ledger.MemoryStore }

func (s skewedLedger) GetAgent(ctx context.Context, agentID string) (*ledger.AgentLedger, error) {
	a, err := s.MemoryStore.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	a.LockedBalance += 5
	return a, nil
}

func TestRunAll_LedgerMismatch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "agent-1", 100)

	report, err := f.runner(skewedLedger{f.ledger}).RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.LedgerMismatches)
	assert.Equal(t, "locked 105, active holds 100, total 1000", report.Findings[0].Detail)
}

type failingLister struct{}

func (failingLister) ListByStatus(context.Context, escrow.Status, int) ([]*escrow.PurchaseRequest, error) {
	return nil, errors.New("db down")
}

func TestRunAll_ListError(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(failingLister{}, f.ledger, slog.New(slog.NewTextHandler(&f.logs, nil)))
	_, err := r.RunAll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	f.create(t, "agent-1", 100)
	timer := NewTimer(f.runner(f.ledger), 10*time.Millisecond, slog.New(slog.NewTextHandler(&f.logs, nil)))

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	assert.Equal(t, 1, timer.Last().OpenPurchases)

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
