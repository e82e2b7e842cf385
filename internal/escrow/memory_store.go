package escrow

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/pagination"
)

// MemoryStore is an in-memory request store for tests. It commits request
// writes inside ledger.MemoryStore.Atomic so status and balances change
// together.
type MemoryStore struct {
	ledger *ledger.MemoryStore

	mu       sync.RWMutex
	requests map[string]*PurchaseRequest
	failures []error // returned, in order, by the next Insert/Commit calls
}

// NewMemoryStore creates a request store backed by l.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger:   l,
		requests: make(map[string]*PurchaseRequest),
	}
}

// Ledger returns the ledger the store commits against.
func (m *MemoryStore) Ledger() *ledger.MemoryStore {
	return m.ledger
}

// FailNext makes the next n Insert or Commit calls fail with err before
// touching any state.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range n {
		m.failures = append(m.failures, err)
	}
}

func (m *MemoryStore) injected() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *MemoryStore) Insert(ctx context.Context, req *PurchaseRequest, effect Effect) error {
	if err := m.injected(); err != nil {
		return err
	}
	return m.ledger.Atomic(ctx, func(lm ledger.Mutator) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if _, exists := m.requests[req.ID]; exists {
			return ErrConflict
		}
		if effect != nil {
			if err := effect(ctx, lm); err != nil {
				return err
			}
		}
		m.requests[req.ID] = req.Clone()
		return nil
	})
}

func (m *MemoryStore) Commit(ctx context.Context, req *PurchaseRequest, expect Status, effect Effect) error {
	if err := m.injected(); err != nil {
		return err
	}
	return m.ledger.Atomic(ctx, func(lm ledger.Mutator) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		cur, ok := m.requests[req.ID]
		if !ok {
			return ErrNotFound
		}
		if cur.Status != expect {
			return ErrConflict
		}
		if req.Crypto != nil && req.Crypto.TxHash != "" && m.txHashTaken(req) {
			return ErrTxHashInUse
		}
		if effect != nil {
			if err := effect(ctx, lm); err != nil {
				return err
			}
		}
		m.requests[req.ID] = req.Clone()
		return nil
	})
}

func (m *MemoryStore) txHashTaken(req *PurchaseRequest) bool {
	for id, r := range m.requests {
		if id != req.ID && r.Crypto != nil &&
			r.Crypto.Symbol == req.Crypto.Symbol && r.Crypto.TxHash == req.Crypto.TxHash {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PurchaseRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListPendingForAgent(_ context.Context, agentID string, limit int) ([]*PurchaseRequest, error) {
	out := m.filter(func(r *PurchaseRequest) bool {
		return r.AgentID == agentID && !r.IsTerminal()
	})
	slices.SortFunc(out, oldestFirst)
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*PurchaseRequest, error) {
	out := m.filter(func(r *PurchaseRequest) bool {
		return r.BuyerID == buyerID && after.Before(r.CreatedAt, r.ID)
	})
	slices.SortFunc(out, newestFirst)
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*PurchaseRequest, error) {
	out := m.filter(func(r *PurchaseRequest) bool { return r.Status == status })
	slices.SortFunc(out, newestFirst)
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*PurchaseRequest, error) {
	out := m.filter(func(r *PurchaseRequest) bool {
		return r.Status.Open() && r.ExpiresAt.Before(before)
	})
	slices.SortFunc(out, func(a, b *PurchaseRequest) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) filter(keep func(*PurchaseRequest) bool) []*PurchaseRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PurchaseRequest
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func oldestFirst(a, b *PurchaseRequest) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func newestFirst(a, b *PurchaseRequest) int {
	return oldestFirst(b, a)
}

func truncate(rs []*PurchaseRequest, limit int) []*PurchaseRequest {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

var _ Store = (*MemoryStore)(nil)
