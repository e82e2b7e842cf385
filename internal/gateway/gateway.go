// Package gateway is the boundary between authenticated callers and the
// escrow engine.
//
// It decides who may perform each operation on a purchase request, retries
// engine calls that failed because the ledger store was unreachable, and
// replays creations that carry a previously seen Idempotency-Key. The engine
// itself never sees a token; the gateway passes it party ids it has already
// checked.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/ledger"
)

// ErrIdempotencyInFlight is returned while an earlier request with the same
// Idempotency-Key is still running.
var ErrIdempotencyInFlight = errors.New("gateway: request with this idempotency key is in progress")

// Engine is the subset of escrow.Service the gateway drives.
type Engine interface {
	Create(ctx context.Context, in escrow.CreateInput) (*escrow.PurchaseRequest, error)
	MarkPaid(ctx context.Context, id string, in escrow.MarkPaidInput) (*escrow.PurchaseRequest, error)
	Confirm(ctx context.Context, id, confirmerID string) (*escrow.PurchaseRequest, error)
	Reject(ctx context.Context, id, confirmerID, reason string) (*escrow.PurchaseRequest, error)
	Cancel(ctx context.Context, id, buyerID, reason string) (*escrow.PurchaseRequest, error)
	Get(ctx context.Context, id string) (*escrow.PurchaseRequest, error)
	ListPendingForAgent(ctx context.Context, agentID string, limit int) ([]*escrow.PurchaseRequest, error)
	ListByBuyer(ctx context.Context, buyerID, cursor string, limit int) ([]*escrow.PurchaseRequest, string, bool, error)
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.PurchaseRequest, error)
}

// Ledger is the read and funding surface used by the agent and admin routes.
type Ledger interface {
	ledger.Reader
	Fund(ctx context.Context, agentID string, coins int64, reference string) (*ledger.AgentLedger, bool, error)
}

// Config bounds retries and the ledger circuit breaker.
type Config struct {
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	IdempotencyTTL   time.Duration
}

// DefaultConfig returns 4 attempts starting at 100ms, a breaker that opens
// after 5 consecutive outages for 10s, and a one day idempotency window.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:    4,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Second,
		IdempotencyTTL:   24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	return c
}

// FundInput is an admin top-up of an agent's coin inventory.
type FundInput struct {
	Coins     int64  `json:"coins"`
	Reference string `json:"reference"`
}
