package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/circuitbreaker"
	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/idempotency"
	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/metrics"
	"github.com/givecircle/coinescrow/internal/retry"
)

// Service implements gateway business logic.
type Service struct {
	engine  Engine
	ledger  Ledger
	idem    idempotency.Store
	cfg     Config
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewService creates a new gateway service. idem may be nil, in which case
// Idempotency-Key headers are ignored.
func NewService(engine Engine, l Ledger, idem idempotency.Store, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		engine:  engine,
		ledger:  l,
		idem:    idem,
		cfg:     cfg,
		breaker: circuitbreaker.New("ledger", cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logger,
	}
}

// Breaker exposes the ledger breaker, for health checks.
func (s *Service) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// Create opens a purchase request for the calling buyer. replayed is true
// when key matched an earlier successful creation.
func (s *Service) Create(ctx context.Context, caller auth.Principal, in escrow.CreateInput, key string) (req *escrow.PurchaseRequest, replayed bool, err error) {
	if err := authorize(caller, opCreate, nil); err != nil {
		return nil, false, deny(ctx, caller, opCreate, "", err)
	}
	in.BuyerID = caller.ID
	in.ID = escrow.NewPurchaseID()

	key = strings.TrimSpace(key)
	if key == "" || s.idem == nil {
		req, err = s.create(ctx, in)
		return req, false, err
	}
	if len(key) > 255 {
		return nil, false, fmt.Errorf("%w: Idempotency-Key too long", escrow.ErrInvalidInput)
	}

	scoped := idempotency.Key(caller.ID, key)
	req, pendingID, err := s.replay(ctx, scoped)
	if req != nil || err != nil {
		return req, req != nil, err
	}
	if pendingID != "" {
		// An earlier attempt with this key ended without a known outcome.
		// Creating under its id either finds that request or makes it now.
		in.ID = pendingID
		req, err = s.create(ctx, in)
		return req, false, err
	}

	reserved, err := s.idem.Reserve(ctx, scoped, s.cfg.IdempotencyTTL)
	if err != nil {
		return nil, false, s.idemErr(err)
	}
	if !reserved {
		// Lost a race with a concurrent request using the same key.
		req, _, err := s.replay(ctx, scoped)
		if req == nil && err == nil {
			err = ErrIdempotencyInFlight
		}
		return req, req != nil, err
	}

	req, err = s.create(ctx, in)
	switch {
	case errors.Is(err, escrow.ErrLedgerPersistence):
		// The insert may have committed. Keep the key on this id so a retry
		// resolves to the same request.
		s.completeKey(ctx, scoped, in.ID)
		return nil, false, err
	case err != nil:
		if rerr := s.idem.Release(ctx, scoped); rerr != nil {
			s.logger.Warn("failed to release idempotency key", "error", rerr)
		}
		return nil, false, err
	}
	s.completeKey(ctx, scoped, req.ID)
	return req, false, nil
}

func (s *Service) completeKey(ctx context.Context, key, purchaseID string) {
	if err := s.idem.Complete(ctx, key, purchaseID, s.cfg.IdempotencyTTL); err != nil {
		// A retry with this key would create a second purchase.
		s.logger.Error("failed to store idempotency key",
			"purchaseId", purchaseID, "error", err)
	}
}

// create retries the engine with one purchase id for every attempt, so an
// attempt that committed without an acknowledgement is found, not repeated.
func (s *Service) create(ctx context.Context, in escrow.CreateInput) (*escrow.PurchaseRequest, error) {
	var req *escrow.PurchaseRequest
	err := s.withRetry(ctx, opCreate, func(ctx context.Context) (err error) {
		req, err = s.engine.Create(ctx, in)
		return err
	})
	return req, err
}

// replay returns the request stored under key, if any. pendingID is set
// when the key names a purchase that was never stored.
func (s *Service) replay(ctx context.Context, key string) (req *escrow.PurchaseRequest, pendingID string, err error) {
	id, found, err := s.idem.Lookup(ctx, key)
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		return nil, "", ErrIdempotencyInFlight
	case err != nil:
		return nil, "", s.idemErr(err)
	case !found:
		return nil, "", nil
	}
	req, err = s.get(ctx, id)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, id, nil
	}
	if err != nil {
		return nil, "", err
	}
	metrics.IdempotentReplaysTotal.Inc()
	return req, "", nil
}

func (s *Service) idemErr(err error) error {
	return fmt.Errorf("%w: %w", escrow.ErrLedgerPersistence, err)
}

// MarkPaid records the buyer's payment evidence.
func (s *Service) MarkPaid(ctx context.Context, caller auth.Principal, id string, in escrow.MarkPaidInput) (*escrow.PurchaseRequest, error) {
	if _, err := s.authorized(ctx, caller, opMarkPaid, id); err != nil {
		return nil, err
	}
	var out *escrow.PurchaseRequest
	err := s.withRetry(ctx, opMarkPaid, func(ctx context.Context) (err error) {
		out, err = s.engine.MarkPaid(ctx, id, in)
		return err
	})
	return out, err
}

// Confirm settles the escrow and credits the buyer.
func (s *Service) Confirm(ctx context.Context, caller auth.Principal, id string) (*escrow.PurchaseRequest, error) {
	if _, err := s.authorized(ctx, caller, opConfirm, id); err != nil {
		return nil, err
	}
	var out *escrow.PurchaseRequest
	err := s.withRetry(ctx, opConfirm, func(ctx context.Context) (err error) {
		out, err = s.engine.Confirm(ctx, id, caller.ID)
		return err
	})
	return out, err
}

// Reject returns the coins to the agent.
func (s *Service) Reject(ctx context.Context, caller auth.Principal, id, reason string) (*escrow.PurchaseRequest, error) {
	if _, err := s.authorized(ctx, caller, opReject, id); err != nil {
		return nil, err
	}
	var out *escrow.PurchaseRequest
	err := s.withRetry(ctx, opReject, func(ctx context.Context) (err error) {
		out, err = s.engine.Reject(ctx, id, caller.ID, reason)
		return err
	})
	return out, err
}

// Cancel withdraws an unpaid request.
func (s *Service) Cancel(ctx context.Context, caller auth.Principal, id, reason string) (*escrow.PurchaseRequest, error) {
	if _, err := s.authorized(ctx, caller, opCancel, id); err != nil {
		return nil, err
	}
	var out *escrow.PurchaseRequest
	err := s.withRetry(ctx, opCancel, func(ctx context.Context) (err error) {
		out, err = s.engine.Cancel(ctx, id, caller.ID, reason)
		return err
	})
	return out, err
}

// Get returns a request to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, caller auth.Principal, id string) (*escrow.PurchaseRequest, error) {
	return s.authorized(ctx, caller, opGet, id)
}

// ListPendingForAgent returns the agent's open requests.
func (s *Service) ListPendingForAgent(ctx context.Context, caller auth.Principal, agentID string, limit int) ([]*escrow.PurchaseRequest, error) {
	if err := authorizeParty(caller, opPending, auth.RoleAgent, agentID); err != nil {
		return nil, deny(ctx, caller, opPending, "", err)
	}
	var out []*escrow.PurchaseRequest
	err := s.withRetry(ctx, opPending, func(ctx context.Context) (err error) {
		out, err = s.engine.ListPendingForAgent(ctx, agentID, limit)
		return err
	})
	return out, err
}

// Page is one page of a buyer's purchase history.
type Page struct {
	Purchases  []*escrow.PurchaseRequest `json:"purchases"`
	NextCursor string                    `json:"nextCursor,omitempty"`
	HasMore    bool                      `json:"hasMore"`
}

// ListByBuyer returns the buyer's requests, newest first.
func (s *Service) ListByBuyer(ctx context.Context, caller auth.Principal, buyerID, cursor string, limit int) (*Page, error) {
	if err := authorizeParty(caller, opHistory, auth.RoleBuyer, buyerID); err != nil {
		return nil, deny(ctx, caller, opHistory, "", err)
	}
	page := &Page{}
	err := s.withRetry(ctx, opHistory, func(ctx context.Context) (err error) {
		page.Purchases, page.NextCursor, page.HasMore, err = s.engine.ListByBuyer(ctx, buyerID, cursor, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if page.Purchases == nil {
		page.Purchases = []*escrow.PurchaseRequest{}
	}
	return page, nil
}

// AgentLedger returns an agent's coin inventory.
func (s *Service) AgentLedger(ctx context.Context, caller auth.Principal, agentID string) (*ledger.AgentLedger, error) {
	if err := authorizeParty(caller, opLedger, auth.RoleAgent, agentID); err != nil {
		return nil, deny(ctx, caller, opLedger, "", err)
	}
	var out *ledger.AgentLedger
	err := s.withRetry(ctx, opLedger, func(ctx context.Context) (err error) {
		out, err = s.ledger.GetAgent(ctx, agentID)
		return ledgerErr(err)
	})
	return out, err
}

// ListByStatus is the admin view across all agents.
func (s *Service) ListByStatus(ctx context.Context, caller auth.Principal, status escrow.Status, limit int) ([]*escrow.PurchaseRequest, error) {
	if err := authorize(caller, opAdmin, nil); err != nil {
		return nil, deny(ctx, caller, opAdmin, "", err)
	}
	var out []*escrow.PurchaseRequest
	err := s.withRetry(ctx, opAdmin, func(ctx context.Context) (err error) {
		out, err = s.engine.ListByStatus(ctx, status, limit)
		return err
	})
	return out, err
}

// Fund tops up an agent's inventory. Reusing a reference is a no-op.
func (s *Service) Fund(ctx context.Context, caller auth.Principal, agentID string, in FundInput) (*ledger.AgentLedger, bool, error) {
	if err := authorize(caller, opAdmin, nil); err != nil {
		return nil, false, deny(ctx, caller, opAdmin, "", err)
	}
	if in.Coins <= 0 {
		return nil, false, fmt.Errorf("%w: coins must be positive", escrow.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Reference) == "" {
		return nil, false, fmt.Errorf("%w: reference is required", escrow.ErrInvalidInput)
	}

	var (
		out     *ledger.AgentLedger
		applied bool
	)
	err := s.withRetry(ctx, "fund", func(ctx context.Context) (err error) {
		out, applied, err = s.ledger.Fund(ctx, agentID, in.Coins, in.Reference)
		return ledgerErr(err)
	})
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("agent inventory funded",
		"agentId", agentID, "coins", in.Coins, "reference", in.Reference,
		"applied", applied, "by", caller.ID)
	return out, applied, nil
}

// Reconcile checks an agent's locked balance against its active holds.
func (s *Service) Reconcile(ctx context.Context, caller auth.Principal, agentID string) (*ledger.Reconciliation, error) {
	if err := authorize(caller, opAdmin, nil); err != nil {
		return nil, deny(ctx, caller, opAdmin, "", err)
	}
	var out *ledger.Reconciliation
	err := s.withRetry(ctx, "reconcile", func(ctx context.Context) (err error) {
		out, err = ledger.Reconcile(ctx, s.ledger, agentID)
		return ledgerErr(err)
	})
	if err == nil && !out.Consistent {
		s.logger.Error("ledger reconciliation mismatch",
			"agentId", agentID, "locked", out.LockedBalance, "activeHolds", out.ActiveHolds)
	}
	return out, err
}

// authorized loads id and checks caller may perform op on it.
func (s *Service) authorized(ctx context.Context, caller auth.Principal, op, id string) (*escrow.PurchaseRequest, error) {
	req, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(caller, op, req); err != nil {
		return nil, deny(ctx, caller, op, id, err)
	}
	return req, nil
}

func (s *Service) get(ctx context.Context, id string) (*escrow.PurchaseRequest, error) {
	var req *escrow.PurchaseRequest
	err := s.withRetry(ctx, opGet, func(ctx context.Context) (err error) {
		req, err = s.engine.Get(ctx, id)
		return err
	})
	return req, err
}

// withRetry runs fn, retrying ledger persistence failures with backoff.
// Every attempt passes through the breaker; once it opens the remaining
// attempts are skipped.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := retry.Policy{
		Attempts:  s.cfg.RetryAttempts,
		BaseDelay: s.cfg.RetryBaseDelay,
		MaxDelay:  s.cfg.RetryMaxDelay,
		Retryable: isPersistence,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.LedgerRetriesTotal.WithLabelValues(op).Inc()
			s.logger.Warn("retrying after ledger failure",
				"op", op, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		err := s.breaker.Execute(func() error { return fn(ctx) }, isPersistence)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %w", escrow.ErrLedgerPersistence, err))
		}
		return err
	})
}

func isPersistence(err error) bool {
	return errors.Is(err, escrow.ErrLedgerPersistence)
}

// ledgerErr maps direct ledger reads and writes onto the engine's errors.
func ledgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrAgentNotFound):
		return fmt.Errorf("%w: %w", escrow.ErrNotFound, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fmt.Errorf("%w: %w", escrow.ErrInvalidInput, err)
	case errors.Is(err, ledger.ErrUnavailable):
		return fmt.Errorf("%w: %w", escrow.ErrLedgerPersistence, err)
	}
	return err
}
