package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/pagination"
)

// PostgresStore persists purchase requests in PostgreSQL and commits their
// ledger effects in the same transaction.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB, l *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: l}
}

const requestColumns = `id, buyer_id, agent_id, coin_amount, unit_price, fiat_amount, currency,
		       payment_method, crypto_symbol, crypto_wallet, crypto_confirmations, crypto_tx_hash,
		       payment_proof, status, commission, resolved_by, rejection_reason, cancel_reason,
		       created_at, updated_at, expires_at, paid_at, resolved_at`

func (p *PostgresStore) Insert(ctx context.Context, r *PurchaseRequest, effect Effect) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		sym, wallet, confs, hash := cryptoColumns(r.Crypto)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_requests (
				id, buyer_id, agent_id, coin_amount, unit_price, fiat_amount, currency,
				payment_method, crypto_symbol, crypto_wallet, crypto_confirmations, crypto_tx_hash,
				payment_proof, status, commission, created_at, updated_at, expires_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17, $18
			)`,
			r.ID, r.BuyerID, r.AgentID, r.CoinAmount, r.UnitPrice, r.FiatAmount, r.Currency,
			string(r.PaymentMethod), sym, wallet, confs, hash,
			nullString(r.PaymentProof), string(r.Status), r.Commission, r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
		)
		if ledger.IsUniqueViolation(err, "purchase_requests_pkey") {
			return ErrConflict
		}
		if err != nil {
			return ledger.WrapDBError(err)
		}
		if effect != nil {
			return effect(ctx, p.ledger.Tx(tx))
		}
		return nil
	})
}

func (p *PostgresStore) Commit(ctx context.Context, r *PurchaseRequest, expect Status, effect Effect) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// Row lock: concurrent commits for this request from other processes
		// wait here and then see the new status.
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM purchase_requests WHERE id = $1 FOR UPDATE`, r.ID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return ledger.WrapDBError(err)
		}
		if Status(current) != expect {
			return ErrConflict
		}

		if effect != nil {
			if err := effect(ctx, p.ledger.Tx(tx)); err != nil {
				return err
			}
		}

		_, _, _, hash := cryptoColumns(r.Crypto)
		_, err = tx.ExecContext(ctx, `
			UPDATE purchase_requests SET
				status = $2, crypto_tx_hash = $3, payment_proof = $4, commission = $5,
				resolved_by = $6, rejection_reason = $7, cancel_reason = $8,
				updated_at = $9, paid_at = $10, resolved_at = $11
			WHERE id = $1`,
			r.ID, string(r.Status), hash, nullString(r.PaymentProof), r.Commission,
			nullString(r.ConfirmedBy), nullString(r.RejectionReason), nullString(r.CancelReason),
			r.UpdatedAt, nullTime(r.PaidAt), nullTime(r.ResolvedAt),
		)
		if ledger.IsUniqueViolation(err, "uq_pr_crypto_tx_hash") {
			return ErrTxHashInUse
		}
		return ledger.WrapDBError(err)
	})
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapDBError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return ledger.WrapDBError(tx.Commit())
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PurchaseRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM purchase_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, ledger.WrapDBError(err)
}

func (p *PostgresStore) ListPendingForAgent(ctx context.Context, agentID string, limit int) ([]*PurchaseRequest, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM purchase_requests
		WHERE agent_id = $1 AND status IN ('PENDING', 'ESCROW_LOCKED', 'PAID')
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, agentID, limit)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*PurchaseRequest, error) {
	if after == nil {
		return p.query(ctx, `
			SELECT `+requestColumns+`
			FROM purchase_requests
			WHERE buyer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, buyerID, limit)
	}
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM purchase_requests
		WHERE buyer_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, buyerID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*PurchaseRequest, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM purchase_requests
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*PurchaseRequest, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM purchase_requests
		WHERE status IN ('ESCROW_LOCKED', 'PAID')
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*PurchaseRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ledger.WrapDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*PurchaseRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, ledger.WrapDBError(err)
		}
		result = append(result, r)
	}
	return result, ledger.WrapDBError(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*PurchaseRequest, error) {
	r := &PurchaseRequest{}
	var (
		method, status                                   string
		cryptoSymbol, cryptoWallet, cryptoTxHash         sql.NullString
		cryptoConfirmations                              sql.NullInt64
		proof, resolvedBy, rejectionReason, cancelReason sql.NullString
		paidAt, resolvedAt                               sql.NullTime
	)
	err := sc.Scan(
		&r.ID, &r.BuyerID, &r.AgentID, &r.CoinAmount, &r.UnitPrice, &r.FiatAmount, &r.Currency,
		&method, &cryptoSymbol, &cryptoWallet, &cryptoConfirmations, &cryptoTxHash,
		&proof, &status, &r.Commission, &resolvedBy, &rejectionReason, &cancelReason,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt, &paidAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	r.PaymentMethod = PaymentMethod(method)
	r.Status = Status(status)
	if cryptoSymbol.Valid {
		r.Crypto = &CryptoDetails{
			Symbol:                cryptoSymbol.String,
			WalletAddress:         cryptoWallet.String,
			RequiredConfirmations: int(cryptoConfirmations.Int64),
			TxHash:                cryptoTxHash.String,
		}
	}
	r.PaymentProof = proof.String
	r.ConfirmedBy = resolvedBy.String
	r.RejectionReason = rejectionReason.String
	r.CancelReason = cancelReason.String
	if paidAt.Valid {
		r.PaidAt = &paidAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

func cryptoColumns(c *CryptoDetails) (symbol, wallet sql.NullString, confirmations sql.NullInt64, hash sql.NullString) {
	if c == nil {
		return
	}
	return sql.NullString{String: c.Symbol, Valid: true},
		sql.NullString{String: c.WalletAddress, Valid: true},
		sql.NullInt64{Int64: int64(c.RequiredConfirmations), Valid: true},
		nullString(c.TxHash)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
