// Package escrow runs the Charity Coin purchase protocol.
//
// Flow:
//  1. Buyer requests coins from an agent → agent coins: available → locked
//  2. Buyer pays the agent out-of-band and marks the request paid
//  3. Agent (or an admin) confirms → coins: agent locked → buyer, commission accrues
//  4. Agent (or an admin) rejects → coins: locked → available
//  5. TTL elapses first → expired, coins: locked → available
//
// Every transition commits the request status and its ledger effect in one
// atomic store operation, under a per-agent lock.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound                 = errors.New("escrow: purchase request not found")
	ErrInvalidInput             = errors.New("escrow: invalid input")
	ErrInsufficientAgentBalance = errors.New("escrow: agent has insufficient available coins")
	ErrRequestExpired           = errors.New("escrow: purchase request expired, create a new request")
	ErrUnauthorized             = errors.New("escrow: caller may not perform this operation")

	// ErrLedgerPersistence means the durable store could not be reached. It
	// is the only error class worth retrying.
	ErrLedgerPersistence = errors.New("escrow: ledger store unavailable")

	// ErrAgentBusy is returned when the per-agent lock could not be taken
	// within the configured wait.
	ErrAgentBusy = fmt.Errorf("%w: agent ledger busy", ErrLedgerPersistence)

	// ErrTxHashInUse rejects a transaction hash already attached to another purchase.
	ErrTxHashInUse = fmt.Errorf("%w: transaction hash already used by another purchase", ErrInvalidInput)

	// ErrConflict is returned by Store.Commit when the stored status no longer
	// matches the expected one.
	ErrConflict = errors.New("escrow: request changed concurrently")
)

// PaymentMethod is how the buyer pays the agent off-platform.
type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentMobileMoney  PaymentMethod = "mobile_money"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentCrypto       PaymentMethod = "crypto"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentMobileMoney, PaymentBankTransfer, PaymentCrypto:
		return true
	}
	return false
}

// CryptoDetails describes the on-chain leg of a crypto purchase.
type CryptoDetails struct {
	Symbol                string `json:"symbol"`
	WalletAddress         string `json:"walletAddress"`
	RequiredConfirmations int    `json:"requiredConfirmations"`
	TxHash                string `json:"txHash,omitempty"`
}

// PurchaseRequest is one buyer's request for coins from one agent.
type PurchaseRequest struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyerId"`
	AgentID         string          `json:"agentId"`
	CoinAmount      int64           `json:"coinAmount"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	FiatAmount      decimal.Decimal `json:"fiatAmount"`
	Currency        string          `json:"currency"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	Crypto          *CryptoDetails  `json:"crypto,omitempty"`
	PaymentProof    string          `json:"paymentProof,omitempty"`
	Status          Status          `json:"status"`
	Commission      decimal.Decimal `json:"commission"`
	ConfirmedBy     string          `json:"confirmedBy,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the request is in a final state.
func (r *PurchaseRequest) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// ExpiredAt reports whether the request's TTL has elapsed at now.
func (r *PurchaseRequest) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Clone returns a deep copy.
func (r *PurchaseRequest) Clone() *PurchaseRequest {
	cp := *r
	if r.Crypto != nil {
		c := *r.Crypto
		cp.Crypto = &c
	}
	if r.PaidAt != nil {
		t := *r.PaidAt
		cp.PaidAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Effect is the ledger work that must commit together with a status change.
type Effect func(ctx context.Context, m ledger.Mutator) error

// Store persists purchase requests. Insert and Commit apply the effect and
// the request write as one unit: both happen or neither does.
type Store interface {
	Insert(ctx context.Context, req *PurchaseRequest, effect Effect) error
	// Commit saves req only if the stored status still equals expect;
	// otherwise it returns ErrConflict and applies nothing.
	Commit(ctx context.Context, req *PurchaseRequest, expect Status, effect Effect) error
	Get(ctx context.Context, id string) (*PurchaseRequest, error)
	ListPendingForAgent(ctx context.Context, agentID string, limit int) ([]*PurchaseRequest, error)
	ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*PurchaseRequest, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*PurchaseRequest, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*PurchaseRequest, error)
}

// CryptoRails validates crypto purchase details.
type CryptoRails interface {
	ValidateAddress(symbol, address string) error
	NormalizeTxHash(symbol, hash string) (string, error)
	RequiredConfirmations(symbol string) (int, error)
}

// Publisher receives committed purchase changes (realtime push).
type Publisher interface {
	PublishPurchase(ctx context.Context, event string, req *PurchaseRequest)
}

// Publishers fans one event out to several publishers in order.
type Publishers []Publisher

// PublishPurchase implements Publisher.
func (ps Publishers) PublishPurchase(ctx context.Context, event string, req *PurchaseRequest) {
	for _, p := range ps {
		p.PublishPurchase(ctx, event, req)
	}
}

// Event names published after each committed transition.
const (
	EventCreated   = "purchase.created"
	EventPaid      = "purchase.paid"
	EventConfirmed = "purchase.confirmed"
	EventRejected  = "purchase.rejected"
	EventCancelled = "purchase.cancelled"
	EventExpired   = "purchase.expired"
)

// CreateInput contains the parameters for creating a purchase request.
type CreateInput struct {
	// ID is optional. Callers that may retry a create set it once so a
	// repeated attempt finds the first one instead of locking coins again.
	ID            string
	BuyerID       string
	AgentID       string
	CoinAmount    int64
	PaymentMethod PaymentMethod
	Crypto        *CryptoInput
}

// CryptoInput is the buyer-supplied part of CryptoDetails.
type CryptoInput struct {
	Symbol        string `json:"symbol"`
	WalletAddress string `json:"walletAddress"`
}

// MarkPaidInput carries the buyer's payment evidence.
type MarkPaidInput struct {
	Proof  string
	TxHash string
}

// Config holds the pricing and timing parameters of the engine.
type Config struct {
	TTL            time.Duration
	CommissionRate decimal.Decimal
	UnitPrice      decimal.Decimal
	Currency       string
	LockWait       time.Duration
}

// DefaultTTL is how long coins stay locked for an unresolved request.
const DefaultTTL = 30 * time.Minute

// DefaultConfig returns a 30 minute TTL, 2% commission and 150 NGN per coin.
func DefaultConfig() Config {
	return Config{
		TTL:            DefaultTTL,
		CommissionRate: decimal.RequireFromString("0.02"),
		UnitPrice:      decimal.NewFromInt(150),
		Currency:       "NGN",
		LockWait:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.UnitPrice.IsZero() {
		c.UnitPrice = d.UnitPrice
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	c.Currency = strings.ToUpper(c.Currency)
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	return c
}
