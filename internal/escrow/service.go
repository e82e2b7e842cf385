package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/givecircle/coinescrow/internal/idgen"
	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/logging"
	"github.com/givecircle/coinescrow/internal/metrics"
	"github.com/givecircle/coinescrow/internal/money"
	"github.com/givecircle/coinescrow/internal/pagination"
	"github.com/givecircle/coinescrow/internal/syncutil"
	"github.com/givecircle/coinescrow/internal/traces"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

// MaxReasonLength bounds rejection and cancellation reasons.
const MaxReasonLength = 500

// Service implements the purchase state machine.
type Service struct {
	store  Store
	cfg    Config
	rails  CryptoRails
	events Publisher
	locks  *syncutil.KeyedMutex // per-agent; every mutation of an agent's requests holds it
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, cfg Config) *Service {
	return &Service{
		store: store,
		cfg:   cfg.withDefaults(),
		locks: syncutil.NewKeyedMutex(0),
		now:   time.Now,
	}
}

// WithCryptoRails enables crypto purchases validated by r.
func (s *Service) WithCryptoRails(r CryptoRails) *Service {
	s.rails = r
	return s
}

// WithPublisher sends committed transitions to p.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the effective engine configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Create prices a new request and locks the agent's coins for it. The
// balance check runs inside the ledger lock primitive, so a request that
// does not fit is never stored.
func (s *Service) Create(ctx context.Context, in CreateInput) (req *PurchaseRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.BuyerID(in.BuyerID), traces.AgentID(in.AgentID), traces.Coins(in.CoinAmount))
	defer func() { s.finish(OpLock, span, err) }()

	crypto, err := s.validateCreate(in)
	if err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = NewPurchaseID()
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	req = &PurchaseRequest{
		ID:            id,
		BuyerID:       in.BuyerID,
		AgentID:       in.AgentID,
		CoinAmount:    in.CoinAmount,
		UnitPrice:     s.cfg.UnitPrice,
		FiatAmount:    money.FiatValue(in.CoinAmount, s.cfg.UnitPrice),
		Currency:      s.cfg.Currency,
		PaymentMethod: in.PaymentMethod,
		Crypto:        crypto,
		Status:        StatusPending,
		Commission:    decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.TTL),
	}
	if req.Status, err = Next(req.Status, OpLock); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.PurchaseID(req.ID))

	unlock, err := s.lockAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.Insert(ctx, req, func(ctx context.Context, m ledger.Mutator) error {
		return m.TryLock(ctx, req.AgentID, req.CoinAmount, req.ID)
	})
	if errors.Is(err, ErrConflict) {
		return s.alreadyCreated(ctx, req)
	}
	if err != nil {
		return nil, classify(err)
	}

	s.committed(ctx, OpLock, req)
	return req, nil
}

// NewPurchaseID returns a fresh purchase request id.
func NewPurchaseID() string {
	return idgen.WithPrefix("pur_")
}

// alreadyCreated resolves an insert that found req.ID taken. A retry of a
// create whose commit went through but was reported as failed lands here
// and gets the stored request back.
func (s *Service) alreadyCreated(ctx context.Context, req *PurchaseRequest) (*PurchaseRequest, error) {
	existing, err := s.store.Get(ctx, req.ID)
	if err != nil {
		return nil, classify(err)
	}
	if existing.BuyerID != req.BuyerID ||
		existing.AgentID != req.AgentID ||
		existing.CoinAmount != req.CoinAmount ||
		existing.PaymentMethod != req.PaymentMethod {
		return nil, fmt.Errorf("%w: purchase id %s is already in use", ErrInvalidInput, req.ID)
	}
	if existing.Status == StatusEscrowLocked {
		// The failed attempt never announced it.
		s.committed(ctx, OpLock, existing)
	}
	return existing, nil
}

func (s *Service) validateCreate(in CreateInput) (*CryptoDetails, error) {
	switch {
	case strings.TrimSpace(in.BuyerID) == "":
		return nil, fmt.Errorf("%w: buyerId is required", ErrInvalidInput)
	case strings.TrimSpace(in.AgentID) == "":
		return nil, fmt.Errorf("%w: agentId is required", ErrInvalidInput)
	case in.BuyerID == in.AgentID:
		return nil, fmt.Errorf("%w: buyer and agent cannot be the same party", ErrInvalidInput)
	case in.CoinAmount <= 0:
		return nil, fmt.Errorf("%w: coinAmount must be positive", ErrInvalidInput)
	case in.ID != "" && !idgen.Valid("pur_", in.ID):
		return nil, fmt.Errorf("%w: malformed purchase id", ErrInvalidInput)
	case !in.PaymentMethod.Valid():
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, in.PaymentMethod)
	}

	if in.PaymentMethod != PaymentCrypto {
		if in.Crypto != nil {
			return nil, fmt.Errorf("%w: crypto details only apply to crypto payments", ErrInvalidInput)
		}
		return nil, nil
	}
	if in.Crypto == nil {
		return nil, fmt.Errorf("%w: crypto payments need a symbol and wallet address", ErrInvalidInput)
	}
	if s.rails == nil {
		return nil, fmt.Errorf("%w: crypto payments are not enabled", ErrInvalidInput)
	}
	symbol := strings.ToUpper(strings.TrimSpace(in.Crypto.Symbol))
	confirmations, err := s.rails.RequiredConfirmations(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.rails.ValidateAddress(symbol, in.Crypto.WalletAddress); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &CryptoDetails{
		Symbol:                symbol,
		WalletAddress:         strings.TrimSpace(in.Crypto.WalletAddress),
		RequiredConfirmations: confirmations,
	}, nil
}

// MarkPaid records the buyer's claim that payment was sent. No coins move.
func (s *Service) MarkPaid(ctx context.Context, id string, in MarkPaidInput) (*PurchaseRequest, error) {
	return s.transition(ctx, id, OpMarkPaid, nil, func(req *PurchaseRequest, from Status, now time.Time) (Effect, error) {
		if req.PaymentMethod == PaymentCrypto {
			if s.rails == nil || req.Crypto == nil {
				return nil, fmt.Errorf("%w: crypto payments are not enabled", ErrInvalidInput)
			}
			if strings.TrimSpace(in.TxHash) == "" {
				return nil, fmt.Errorf("%w: txHash is required for crypto payments", ErrInvalidInput)
			}
			hash, err := s.rails.NormalizeTxHash(req.Crypto.Symbol, in.TxHash)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			req.Crypto.TxHash = hash
		} else if in.TxHash != "" {
			return nil, fmt.Errorf("%w: txHash only applies to crypto payments", ErrInvalidInput)
		}
		req.PaymentProof = strings.TrimSpace(in.Proof)
		req.PaidAt = &now
		return nil, nil
	})
}

// Confirm settles the escrow: agent coins go to the buyer and the agent's
// commission is credited. Confirming an already confirmed request returns
// it unchanged.
func (s *Service) Confirm(ctx context.Context, id, confirmerID string) (*PurchaseRequest, error) {
	if strings.TrimSpace(confirmerID) == "" {
		return nil, fmt.Errorf("%w: confirmer is required", ErrInvalidInput)
	}
	confirmed := func(req *PurchaseRequest) bool { return req.Status == StatusConfirmed }
	return s.transition(ctx, id, OpConfirm, confirmed, func(req *PurchaseRequest, from Status, now time.Time) (Effect, error) {
		req.Commission = money.Commission(req.FiatAmount, s.cfg.CommissionRate)
		req.ConfirmedBy = confirmerID
		req.ResolvedAt = &now
		settlement := ledger.Settlement{
			AgentID:    req.AgentID,
			BuyerID:    req.BuyerID,
			Coins:      req.CoinAmount,
			Commission: req.Commission,
			Reference:  req.ID,
		}
		return func(ctx context.Context, m ledger.Mutator) error {
			return m.Settle(ctx, settlement)
		}, nil
	})
}

// Reject refuses the payment and unlocks the agent's coins.
func (s *Service) Reject(ctx context.Context, id, confirmerID, reason string) (*PurchaseRequest, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case strings.TrimSpace(confirmerID) == "":
		return nil, fmt.Errorf("%w: confirmer is required", ErrInvalidInput)
	case reason == "":
		return nil, fmt.Errorf("%w: a rejection reason is required", ErrInvalidInput)
	case len(reason) > MaxReasonLength:
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReasonLength)
	}
	rejected := func(req *PurchaseRequest) bool {
		return req.Status == StatusRejected && req.ConfirmedBy == confirmerID
	}
	return s.transition(ctx, id, OpReject, rejected, func(req *PurchaseRequest, from Status, now time.Time) (Effect, error) {
		req.RejectionReason = reason
		req.ConfirmedBy = confirmerID
		req.ResolvedAt = &now
		return releaseHold(req), nil
	})
}

// Cancel withdraws a request before payment is asserted. Only the buyer
// who created it may cancel it.
func (s *Service) Cancel(ctx context.Context, id, buyerID, reason string) (*PurchaseRequest, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > MaxReasonLength {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReasonLength)
	}
	if reason == "" {
		reason = "cancelled by buyer"
	}
	cancelled := func(req *PurchaseRequest) bool {
		return req.Status == StatusCancelled && req.BuyerID == buyerID
	}
	return s.transition(ctx, id, OpCancel, cancelled, func(req *PurchaseRequest, from Status, now time.Time) (Effect, error) {
		if req.BuyerID != buyerID {
			return nil, ErrUnauthorized
		}
		req.CancelReason = reason
		req.ResolvedAt = &now
		// PENDING requests never took a hold.
		if from == StatusPending {
			return nil, nil
		}
		return releaseHold(req), nil
	})
}

// Expire moves an open request whose TTL has elapsed to EXPIRED and
// unlocks its coins. The scheduler calls it; it is safe against racing
// confirm and reject calls.
func (s *Service) Expire(ctx context.Context, id string) (*PurchaseRequest, error) {
	return s.transition(ctx, id, OpExpire, nil, func(req *PurchaseRequest, from Status, now time.Time) (Effect, error) {
		if !req.ExpiredAt(now) {
			return nil, fmt.Errorf("%w: request %s does not expire until %s",
				ErrInvalidInput, req.ID, req.ExpiresAt.Format(time.RFC3339))
		}
		req.CancelReason = "expired: ttl elapsed"
		req.ResolvedAt = &now
		return releaseHold(req), nil
	})
}

func releaseHold(req *PurchaseRequest) Effect {
	agentID, coins, ref := req.AgentID, req.CoinAmount, req.ID
	return func(ctx context.Context, m ledger.Mutator) error {
		return m.Release(ctx, agentID, coins, ref)
	}
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (*PurchaseRequest, error) {
	req, err := s.store.Get(ctx, id)
	return req, classify(err)
}

// ListPendingForAgent returns the agent's open requests, oldest first.
func (s *Service) ListPendingForAgent(ctx context.Context, agentID string, limit int) ([]*PurchaseRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	reqs, err := s.store.ListPendingForAgent(ctx, agentID, limit)
	return reqs, classify(err)
}

// ListByBuyer returns one page of a buyer's requests, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID, cursor string, limit int) (reqs []*PurchaseRequest, next string, more bool, err error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	reqs, err = s.store.ListByBuyer(ctx, buyerID, after, limit+1)
	if err != nil {
		return nil, "", false, classify(err)
	}
	reqs, next, more = pagination.ComputePage(reqs, limit, func(r *PurchaseRequest) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return reqs, next, more, nil
}

// ListByStatus returns the newest requests in status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*PurchaseRequest, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	reqs, err := s.store.ListByStatus(ctx, status, limit)
	return reqs, classify(err)
}

// mutateFunc edits a copy of the request (already moved out of from) and
// returns the ledger effect that must commit with it.
type mutateFunc func(req *PurchaseRequest, from Status, now time.Time) (Effect, error)

// doneFunc reports whether req already shows the outcome op would produce
// for this caller. Such a request is returned as is, so repeating the op
// after an unacknowledged commit succeeds without touching the ledger.
type doneFunc func(req *PurchaseRequest) bool

func (s *Service) transition(ctx context.Context, id string, op Op, done doneFunc, mutate mutateFunc) (out *PurchaseRequest, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(op), traces.PurchaseID(id))
	defer func() { s.finish(op, span, err) }()

	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	span.SetAttributes(traces.AgentID(req.AgentID), traces.Coins(req.CoinAmount))

	unlock, err := s.lockAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a racing transition may have committed.
	if req, err = s.store.Get(ctx, id); err != nil {
		return nil, classify(err)
	}
	if done != nil && done(req) {
		return req, nil
	}
	next, err := Next(req.Status, op)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	if op != OpExpire && req.Status.Open() && req.ExpiredAt(now) {
		return nil, ErrRequestExpired
	}

	updated := req.Clone()
	updated.Status = next
	updated.UpdatedAt = now
	effect, err := mutate(updated, req.Status, now)
	if err != nil {
		return nil, err
	}

	if err := s.store.Commit(ctx, updated, req.Status, effect); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.lostRace(ctx, id, op, done)
		}
		return nil, classify(err)
	}

	s.committed(ctx, op, updated)
	return updated, nil
}

// lostRace resolves a commit that found the request already moved on by
// another process.
func (s *Service) lostRace(ctx context.Context, id string, op Op, done doneFunc) (*PurchaseRequest, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	if done != nil && done(current) {
		return current, nil
	}
	return nil, &TransitionError{Op: op, From: current.Status}
}

func (s *Service) lockAgent(ctx context.Context, agentID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	defer cancel()

	unlock, err := s.locks.Lock(lctx, agentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: waited %s for agent %s", ErrAgentBusy, s.cfg.LockWait, agentID)
	}
	return unlock, nil
}

var eventForOp = map[Op]string{
	OpLock:     EventCreated,
	OpMarkPaid: EventPaid,
	OpConfirm:  EventConfirmed,
	OpReject:   EventRejected,
	OpCancel:   EventCancelled,
	OpExpire:   EventExpired,
}

func (s *Service) committed(ctx context.Context, op Op, req *PurchaseRequest) {
	metrics.PurchaseTransitionsTotal.WithLabelValues(string(op), string(req.Status)).Inc()
	if req.IsTerminal() && req.ResolvedAt != nil {
		metrics.PurchaseResolutionSeconds.WithLabelValues(string(req.Status)).
			Observe(req.ResolvedAt.Sub(req.CreatedAt).Seconds())
	}
	if req.Status == StatusConfirmed {
		metrics.CoinsSettledTotal.Add(float64(req.CoinAmount))
	}

	attrs := []any{
		"op", string(op),
		"purchaseId", req.ID,
		"agentId", req.AgentID,
		"buyerId", req.BuyerID,
		"coins", req.CoinAmount,
		"status", string(req.Status),
	}
	if req.Status == StatusConfirmed {
		attrs = append(attrs, "commission", money.Format(req.Commission), "confirmedBy", req.ConfirmedBy)
	}
	logging.L(ctx).Info("purchase transition committed", attrs...)

	if s.events != nil {
		s.events.PublishPurchase(ctx, eventForOp[op], req.Clone())
	}
}

func (s *Service) finish(op Op, span trace.Span, err error) {
	if err != nil {
		metrics.PurchaseFailuresTotal.WithLabelValues(string(op), ErrorKind(err)).Inc()
	}
	traces.End(span, err)
}

// classify maps ledger and store errors onto the engine's error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrAgentNotFound):
		return fmt.Errorf("%w: %w", ErrInsufficientAgentBalance, err)
	case errors.Is(err, ledger.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrLedgerPersistence, err)
	}
	return err
}

// ErrorKind returns a short label for err, used in metrics and responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrInsufficientAgentBalance):
		return "insufficient_agent_balance"
	case errors.Is(err, ErrRequestExpired):
		return "request_expired"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrLedgerPersistence):
		return "ledger_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}
