// Package ledger keeps agent coin inventories, per-purchase escrow holds,
// buyer coin balances and agent commission.
//
// Balances change only through the Mutator primitives:
//
//	TryLock  available -> locked       (hold becomes active)
//	Release  locked    -> available    (hold becomes released)
//	Settle   locked    -> buyer        (hold becomes settled, commission accrues)
//
// Every primitive is a compare-and-mutate: the balance check and the write
// happen in one step, and a hold leaves the active state exactly once, so a
// repeated Release or Settle for the same reference can never move coins twice.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
	ErrAgentNotFound       = errors.New("ledger: agent not found")
	ErrHoldNotFound        = errors.New("ledger: hold not found")
	ErrHoldNotActive       = errors.New("ledger: hold is no longer active")
	ErrDuplicateHold       = errors.New("ledger: hold already exists for reference")
	ErrHoldMismatch        = errors.New("ledger: hold does not match agent or amount")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")

	// ErrUnavailable wraps failures of the durable store itself (connection
	// loss, timeouts). Callers may retry these; every other error is final.
	ErrUnavailable = errors.New("ledger: store unavailable")
)

// AgentLedger is an agent's coin inventory. Available is derived, never stored.
type AgentLedger struct {
	AgentID          string          `json:"agentId"`
	TotalBalance     int64           `json:"totalBalance"`
	LockedBalance    int64           `json:"lockedBalance"`
	CommissionEarned decimal.Decimal `json:"commissionEarned"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Available returns the coins the agent can still promise to buyers.
func (a AgentLedger) Available() int64 {
	return a.TotalBalance - a.LockedBalance
}

// MarshalJSON adds availableBalance to the wire form.
func (a AgentLedger) MarshalJSON() ([]byte, error) {
	type plain AgentLedger
	return json.Marshal(struct {
		plain
		AvailableBalance int64 `json:"availableBalance"`
	}{plain(a), a.Available()})
}

// BuyerBalance is the coin balance credited to a buyer by confirmed purchases.
type BuyerBalance struct {
	BuyerID   string    `json:"buyerId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HoldStatus is the lifecycle of one escrow hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldSettled  HoldStatus = "settled"
)

// Hold reserves Amount coins of an agent for one purchase (Reference).
type Hold struct {
	Reference  string     `json:"reference"`
	AgentID    string     `json:"agentId"`
	Amount     int64      `json:"amount"`
	Status     HoldStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// EntryType classifies journal entries.
type EntryType string

const (
	EntryFund       EntryType = "fund"
	EntryLock       EntryType = "lock"
	EntryRelease    EntryType = "release"
	EntrySettleOut  EntryType = "settle_out"
	EntrySettleIn   EntryType = "settle_in"
	EntryCommission EntryType = "commission"
)

// Entry is one append-only journal line. Coins is the unsigned amount moved
// and Type gives the direction; Fiat is set only for commission entries.
type Entry struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Type      EntryType       `json:"type"`
	Coins     int64           `json:"coins"`
	Fiat      decimal.Decimal `json:"fiat"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Settlement moves escrowed coins from an agent to a buyer and credits the
// agent's commission, all at once.
type Settlement struct {
	AgentID    string
	BuyerID    string
	Coins      int64
	Commission decimal.Decimal
	Reference  string
}

// Mutator is the compare-and-mutate contract. Implementations serialize
// mutations per agent and apply each call entirely or not at all.
type Mutator interface {
	TryLock(ctx context.Context, agentID string, coins int64, reference string) error
	Release(ctx context.Context, agentID string, coins int64, reference string) error
	Settle(ctx context.Context, s Settlement) error
}

// Reader exposes read-only views of the ledger.
type Reader interface {
	GetAgent(ctx context.Context, agentID string) (*AgentLedger, error)
	GetBuyer(ctx context.Context, buyerID string) (*BuyerBalance, error)
	GetHold(ctx context.Context, reference string) (*Hold, error)
	ActiveHoldTotal(ctx context.Context, agentID string) (int64, error)
	History(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Store is a full ledger backend.
type Store interface {
	Reader
	Mutator

	// Fund adds coins to an agent's inventory. A reference that was already
	// used returns the current ledger with applied == false.
	Fund(ctx context.Context, agentID string, coins int64, reference string) (ledger *AgentLedger, applied bool, err error)
}

// Reconciliation compares an agent's locked balance with its active holds.
type Reconciliation struct {
	AgentID       string    `json:"agentId"`
	TotalBalance  int64     `json:"totalBalance"`
	LockedBalance int64     `json:"lockedBalance"`
	ActiveHolds   int64     `json:"activeHolds"`
	Consistent    bool      `json:"consistent"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Reconcile checks locked == sum(active holds) and locked <= total for one agent.
func Reconcile(ctx context.Context, r Reader, agentID string) (*Reconciliation, error) {
	done := observeOp("reconcile")
	defer done()

	a, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	held, err := r.ActiveHoldTotal(ctx, agentID)
	if err != nil {
		return nil, err
	}
	rec := &Reconciliation{
		AgentID:       agentID,
		TotalBalance:  a.TotalBalance,
		LockedBalance: a.LockedBalance,
		ActiveHolds:   held,
		Consistent:    held == a.LockedBalance && a.LockedBalance <= a.TotalBalance && a.LockedBalance >= 0,
		CheckedAt:     time.Now().UTC(),
	}
	if !rec.Consistent {
		ReconcileMismatchTotal.Inc()
	}
	return rec, nil
}
