package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fundedStore(t *testing.T, agentID string, coins int64) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	_, applied, err := s.Fund(context.Background(), agentID, coins, "seed-"+agentID)
	require.NoError(t, err)
	require.True(t, applied)
	return s
}

func agent(t *testing.T, s Reader, id string) *AgentLedger {
	t.Helper()
	a, err := s.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestTryLock_ReducesAvailable(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)

	require.NoError(t, s.TryLock(ctx, "agent-1", 300, "pur_1"))

	a := agent(t, s, "agent-1")
	assert.Equal(t, int64(1000), a.TotalBalance)
	assert.Equal(t, int64(300), a.LockedBalance)
	assert.Equal(t, int64(700), a.Available())

	h, err := s.GetHold(ctx, "pur_1")
	require.NoError(t, err)
	assert.Equal(t, HoldActive, h.Status)
	assert.Nil(t, h.ResolvedAt)
}

func TestTryLock_Insufficient(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)

	err := s.TryLock(ctx, "agent-1", 1200, "pur_big")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	a := agent(t, s, "agent-1")
	assert.Equal(t, int64(0), a.LockedBalance)
	_, err = s.GetHold(ctx, "pur_big")
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestTryLock_Errors(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 100)

	assert.ErrorIs(t, s.TryLock(ctx, "agent-1", 0, "r0"), ErrInvalidAmount)
	assert.ErrorIs(t, s.TryLock(ctx, "ghost", 10, "r1"), ErrAgentNotFound)

	require.NoError(t, s.TryLock(ctx, "agent-1", 10, "r2"))
	assert.ErrorIs(t, s.TryLock(ctx, "agent-1", 10, "r2"), ErrDuplicateHold)
	assert.Equal(t, int64(10), agent(t, s, "agent-1").LockedBalance)
}

func TestRelease_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)
	require.NoError(t, s.TryLock(ctx, "agent-1", 300, "pur_1"))

	require.NoError(t, s.Release(ctx, "agent-1", 300, "pur_1"))
	assert.ErrorIs(t, s.Release(ctx, "agent-1", 300, "pur_1"), ErrHoldNotActive)

	a := agent(t, s, "agent-1")
	assert.Equal(t, int64(1000), a.TotalBalance)
	assert.Equal(t, int64(0), a.LockedBalance)

	h, _ := s.GetHold(ctx, "pur_1")
	assert.Equal(t, HoldReleased, h.Status)
	assert.NotNil(t, h.ResolvedAt)
}

func TestRelease_Mismatch(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)
	require.NoError(t, s.TryLock(ctx, "agent-1", 300, "pur_1"))

	assert.ErrorIs(t, s.Release(ctx, "agent-1", 200, "pur_1"), ErrHoldMismatch)
	assert.ErrorIs(t, s.Release(ctx, "agent-2", 300, "pur_1"), ErrHoldMismatch)
	assert.ErrorIs(t, s.Release(ctx, "agent-1", 300, "pur_none"), ErrHoldNotFound)
	assert.Equal(t, int64(300), agent(t, s, "agent-1").LockedBalance)
}

func TestSettle_MovesCoinsAndCommission(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)
	require.NoError(t, s.TryLock(ctx, "agent-1", 300, "pur_1"))

	settlement := Settlement{
		AgentID:    "agent-1",
		BuyerID:    "buyer-1",
		Coins:      300,
		Commission: decimal.RequireFromString("900.00"),
		Reference:  "pur_1",
	}
	require.NoError(t, s.Settle(ctx, settlement))

	a := agent(t, s, "agent-1")
	assert.Equal(t, int64(700), a.TotalBalance)
	assert.Equal(t, int64(0), a.LockedBalance)
	assert.Equal(t, "900", a.CommissionEarned.String())

	b, err := s.GetBuyer(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), b.Balance)

	// A second settlement of the same hold must not move anything.
	assert.ErrorIs(t, s.Settle(ctx, settlement), ErrHoldNotActive)
	assert.Equal(t, int64(700), agent(t, s, "agent-1").TotalBalance)
	b, _ = s.GetBuyer(ctx, "buyer-1")
	assert.Equal(t, int64(300), b.Balance)
	assert.ErrorIs(t, s.Release(ctx, "agent-1", 300, "pur_1"), ErrHoldNotActive)
}

func TestSettle_NegativeCommission(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 100)
	require.NoError(t, s.TryLock(ctx, "agent-1", 10, "pur_1"))

	err := s.Settle(ctx, Settlement{AgentID: "agent-1", BuyerID: "b", Coins: 10, Commission: decimal.NewFromInt(-1), Reference: "pur_1"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	h, _ := s.GetHold(ctx, "pur_1")
	assert.Equal(t, HoldActive, h.Status)
}

func TestAtomic_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)
	errLater := errors.New("request write failed")

	err := s.Atomic(ctx, func(m Mutator) error {
		if err := m.TryLock(ctx, "agent-1", 400, "pur_1"); err != nil {
			return err
		}
		return errLater
	})
	assert.ErrorIs(t, err, errLater)

	assert.Equal(t, int64(0), agent(t, s, "agent-1").LockedBalance)
	_, err = s.GetHold(ctx, "pur_1")
	assert.ErrorIs(t, err, ErrHoldNotFound)
	hist, _ := s.History(ctx, "agent-1", 0)
	assert.Len(t, hist, 1, "only the seed fund entry")
}

func TestAtomic_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.Atomic(ctx, func(Mutator) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestFund_IdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, applied, err := s.Fund(ctx, "agent-1", 500, "topup-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(500), a.TotalBalance)

	a, applied, err = s.Fund(ctx, "agent-1", 500, "topup-1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(500), a.TotalBalance)

	_, _, err = s.Fund(ctx, "agent-1", -5, "topup-2")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)
	require.NoError(t, s.TryLock(ctx, "agent-1", 100, "pur_1"))
	require.NoError(t, s.Release(ctx, "agent-1", 100, "pur_1"))

	hist, err := s.History(ctx, "agent-1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, EntryRelease, hist[0].Type)
	assert.Equal(t, EntryLock, hist[1].Type)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)
	require.NoError(t, s.TryLock(ctx, "agent-1", 100, "pur_1"))
	require.NoError(t, s.TryLock(ctx, "agent-1", 250, "pur_2"))
	require.NoError(t, s.Release(ctx, "agent-1", 100, "pur_1"))

	rec, err := Reconcile(ctx, s, "agent-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, int64(250), rec.ActiveHolds)
	assert.Equal(t, int64(250), rec.LockedBalance)

	_, err = Reconcile(ctx, s, "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAgentLedger_JSONIncludesAvailable(t *testing.T) {
	a := AgentLedger{AgentID: "agent-1", TotalBalance: 1000, LockedBalance: 300, CommissionEarned: decimal.Zero}
	b, err := json.Marshal(a)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, float64(700), out["availableBalance"])
	assert.Equal(t, float64(300), out["lockedBalance"])
}

// Concurrent locks against one agent never over-commit its balance.
func TestTryLock_ConcurrentNeverExceedsTotal(t *testing.T) {
	ctx := context.Background()
	s := fundedStore(t, "agent-1", 1000)

	var wg sync.WaitGroup
	var won atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.TryLock(ctx, "agent-1", 70, fmt.Sprintf("pur_%d", i)); err == nil {
				won.Add(1)
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	a := agent(t, s, "agent-1")
	assert.Equal(t, int64(14), won.Load(), "1000/70 = 14 holds fit")
	assert.Equal(t, won.Load()*70, a.LockedBalance)
	assert.LessOrEqual(t, a.LockedBalance, a.TotalBalance)

	rec, err := Reconcile(ctx, s, "agent-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}
