package ledger

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/givecircle/coinescrow/internal/idgen"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store for tests. One mutex guards all state,
// which trivially gives per-agent serialization. Nothing survives a restart,
// so the server never uses it.
type MemoryStore struct {
	mu  sync.Mutex
	st  memState
	now func() time.Time
}

type memState struct {
	agents   map[string]AgentLedger
	buyers   map[string]BuyerBalance
	holds    map[string]Hold
	fundRefs map[string]bool
	entries  []*Entry
}

func (s memState) clone() memState {
	return memState{
		agents:   maps.Clone(s.agents),
		buyers:   maps.Clone(s.buyers),
		holds:    maps.Clone(s.holds),
		fundRefs: maps.Clone(s.fundRefs),
		entries:  slices.Clip(s.entries),
	}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: memState{
			agents:   make(map[string]AgentLedger),
			buyers:   make(map[string]BuyerBalance),
			holds:    make(map[string]Hold),
			fundRefs: make(map[string]bool),
		},
		now: time.Now,
	}
}

// Atomic runs fn against a staged copy of the ledger and publishes the copy
// only if fn returns nil. Callers compose several primitives (or a primitive
// and their own bookkeeping) into one all-or-nothing step with it.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(Mutator) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.st.clone()
	if err := fn(&memMutator{st: &staged, now: m.now().UTC()}); err != nil {
		return err
	}
	m.st = staged
	return nil
}

func (m *MemoryStore) TryLock(ctx context.Context, agentID string, coins int64, reference string) error {
	return m.Atomic(ctx, func(mu Mutator) error { return mu.TryLock(ctx, agentID, coins, reference) })
}

func (m *MemoryStore) Release(ctx context.Context, agentID string, coins int64, reference string) error {
	return m.Atomic(ctx, func(mu Mutator) error { return mu.Release(ctx, agentID, coins, reference) })
}

func (m *MemoryStore) Settle(ctx context.Context, s Settlement) error {
	return m.Atomic(ctx, func(mu Mutator) error { return mu.Settle(ctx, s) })
}

func (m *MemoryStore) Fund(ctx context.Context, agentID string, coins int64, reference string) (*AgentLedger, bool, error) {
	done := observeOp("fund")
	defer done()

	if coins <= 0 {
		return nil, false, countErr("fund", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if m.st.fundRefs[reference] {
		a := m.st.agents[agentID]
		return &a, false, nil
	}
	a, ok := m.st.agents[agentID]
	if !ok {
		a = AgentLedger{AgentID: agentID, CommissionEarned: decimal.Zero}
	}
	a.TotalBalance += coins
	a.UpdatedAt = now
	m.st.agents[agentID] = a
	m.st.fundRefs[reference] = true
	m.st.entries = append(m.st.entries, newEntry(agentID, EntryFund, coins, decimal.Zero, reference, now))
	return &a, true, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (*AgentLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) GetBuyer(_ context.Context, buyerID string) (*BuyerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.st.buyers[buyerID]
	if !ok {
		return &BuyerBalance{BuyerID: buyerID}, nil
	}
	return &b, nil
}

func (m *MemoryStore) GetHold(_ context.Context, reference string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.st.holds[reference]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return &h, nil
}

func (m *MemoryStore) ActiveHoldTotal(_ context.Context, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, h := range m.st.holds {
		if h.AgentID == agentID && h.Status == HoldActive {
			total += h.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) History(_ context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for i := len(m.st.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e := m.st.entries[i]; e.Account == account {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// memMutator applies primitives to staged state inside Atomic.
type memMutator struct {
	st  *memState
	now time.Time
}

func (m *memMutator) TryLock(_ context.Context, agentID string, coins int64, reference string) error {
	done := observeOp("lock")
	defer done()

	if coins <= 0 {
		return countErr("lock", ErrInvalidAmount)
	}
	a, ok := m.st.agents[agentID]
	if !ok {
		return countErr("lock", ErrAgentNotFound)
	}
	if _, exists := m.st.holds[reference]; exists {
		return countErr("lock", ErrDuplicateHold)
	}
	if a.Available() < coins {
		return countErr("lock", ErrInsufficientBalance)
	}

	a.LockedBalance += coins
	a.UpdatedAt = m.now
	m.st.agents[agentID] = a
	m.st.holds[reference] = Hold{Reference: reference, AgentID: agentID, Amount: coins, Status: HoldActive, CreatedAt: m.now}
	m.st.entries = append(m.st.entries, newEntry(agentID, EntryLock, coins, decimal.Zero, reference, m.now))
	return nil
}

func (m *memMutator) Release(_ context.Context, agentID string, coins int64, reference string) error {
	done := observeOp("release")
	defer done()

	h, err := m.activeHold(agentID, coins, reference)
	if err != nil {
		return countErr("release", err)
	}
	a := m.st.agents[agentID]
	a.LockedBalance -= coins
	a.UpdatedAt = m.now
	m.st.agents[agentID] = a

	m.resolve(h, HoldReleased)
	m.st.entries = append(m.st.entries, newEntry(agentID, EntryRelease, coins, decimal.Zero, reference, m.now))
	return nil
}

func (m *memMutator) Settle(_ context.Context, s Settlement) error {
	done := observeOp("settle")
	defer done()

	h, err := m.activeHold(s.AgentID, s.Coins, s.Reference)
	if err != nil {
		return countErr("settle", err)
	}
	if s.Commission.IsNegative() {
		return countErr("settle", ErrInvalidAmount)
	}

	a := m.st.agents[s.AgentID]
	a.TotalBalance -= s.Coins
	a.LockedBalance -= s.Coins
	a.CommissionEarned = a.CommissionEarned.Add(s.Commission)
	a.UpdatedAt = m.now
	m.st.agents[s.AgentID] = a

	b, ok := m.st.buyers[s.BuyerID]
	if !ok {
		b = BuyerBalance{BuyerID: s.BuyerID}
	}
	b.Balance += s.Coins
	b.UpdatedAt = m.now
	m.st.buyers[s.BuyerID] = b

	m.resolve(h, HoldSettled)
	m.st.entries = append(m.st.entries,
		newEntry(s.AgentID, EntrySettleOut, s.Coins, decimal.Zero, s.Reference, m.now),
		newEntry(s.BuyerID, EntrySettleIn, s.Coins, decimal.Zero, s.Reference, m.now),
		newEntry(s.AgentID, EntryCommission, 0, s.Commission, s.Reference, m.now),
	)
	return nil
}

func (m *memMutator) activeHold(agentID string, coins int64, reference string) (Hold, error) {
	h, ok := m.st.holds[reference]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	if h.AgentID != agentID || h.Amount != coins {
		return Hold{}, ErrHoldMismatch
	}
	if h.Status != HoldActive {
		return Hold{}, ErrHoldNotActive
	}
	return h, nil
}

func (m *memMutator) resolve(h Hold, status HoldStatus) {
	at := m.now
	h.Status = status
	h.ResolvedAt = &at
	m.st.holds[h.Reference] = h
}

func newEntry(account string, typ EntryType, coins int64, fiat decimal.Decimal, reference string, at time.Time) *Entry {
	return &Entry{
		ID:        idgen.WithPrefix("led_"),
		Account:   account,
		Type:      typ,
		Coins:     coins,
		Fiat:      fiat,
		Reference: reference,
		CreatedAt: at,
	}
}
