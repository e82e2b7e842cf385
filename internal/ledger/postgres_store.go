package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/givecircle/coinescrow/internal/idgen"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL. Row locks taken by the
// guarded UPDATE on agent_ledgers serialize mutations per agent across every
// server process; CHECK constraints reject any write that would leave
// locked_balance outside [0, total_balance].
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Tx binds the primitives to a caller-owned transaction so they commit or
// roll back together with the caller's own writes.
func (p *PostgresStore) Tx(tx *sql.Tx) Mutator {
	return &pgMutator{q: tx}
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(m *pgMutator) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapDBError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgMutator{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return WrapDBError(err)
	}
	return nil
}

func (p *PostgresStore) TryLock(ctx context.Context, agentID string, coins int64, reference string) error {
	return p.inTx(ctx, func(m *pgMutator) error { return m.TryLock(ctx, agentID, coins, reference) })
}

func (p *PostgresStore) Release(ctx context.Context, agentID string, coins int64, reference string) error {
	return p.inTx(ctx, func(m *pgMutator) error { return m.Release(ctx, agentID, coins, reference) })
}

func (p *PostgresStore) Settle(ctx context.Context, s Settlement) error {
	return p.inTx(ctx, func(m *pgMutator) error { return m.Settle(ctx, s) })
}

func (p *PostgresStore) Fund(ctx context.Context, agentID string, coins int64, reference string) (*AgentLedger, bool, error) {
	done := observeOp("fund")
	defer done()

	if coins <= 0 {
		return nil, false, countErr("fund", ErrInvalidAmount)
	}

	applied := true
	err := p.inTx(ctx, func(m *pgMutator) error {
		res, err := m.q.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account, type, coins, fiat, reference)
			VALUES ($1, $2, 'fund', $3, 0, $4)
			ON CONFLICT (reference) WHERE type = 'fund' DO NOTHING
		`, idgen.WithPrefix("led_"), agentID, coins, reference)
		if err != nil {
			return WrapDBError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			applied = false
			return nil
		}
		_, err = m.q.ExecContext(ctx, `
			INSERT INTO agent_ledgers (agent_id, total_balance)
			VALUES ($1, $2)
			ON CONFLICT (agent_id) DO UPDATE SET
				total_balance = agent_ledgers.total_balance + EXCLUDED.total_balance,
				updated_at    = NOW()
		`, agentID, coins)
		return WrapDBError(err)
	})
	if err != nil {
		return nil, false, countErr("fund", err)
	}

	a, err := p.GetAgent(ctx, agentID)
	if errors.Is(err, ErrAgentNotFound) && !applied {
		// Reference reused for a different, never-funded agent.
		return &AgentLedger{AgentID: agentID, CommissionEarned: decimal.Zero}, false, nil
	}
	return a, applied, err
}

func (p *PostgresStore) GetAgent(ctx context.Context, agentID string) (*AgentLedger, error) {
	a := &AgentLedger{AgentID: agentID}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_balance, locked_balance, commission_earned, updated_at
		FROM agent_ledgers WHERE agent_id = $1
	`, agentID).Scan(&a.TotalBalance, &a.LockedBalance, &a.CommissionEarned, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, WrapDBError(err)
	}
	return a, nil
}

func (p *PostgresStore) GetBuyer(ctx context.Context, buyerID string) (*BuyerBalance, error) {
	b := &BuyerBalance{BuyerID: buyerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM buyer_balances WHERE buyer_id = $1
	`, buyerID).Scan(&b.Balance, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, WrapDBError(err)
	}
	return b, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, reference string) (*Hold, error) {
	h := &Hold{Reference: reference}
	var resolved sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT agent_id, amount, status, created_at, resolved_at
		FROM escrow_holds WHERE reference = $1
	`, reference).Scan(&h.AgentID, &h.Amount, &h.Status, &h.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, WrapDBError(err)
	}
	if resolved.Valid {
		h.ResolvedAt = &resolved.Time
	}
	return h, nil
}

func (p *PostgresStore) ActiveHoldTotal(ctx context.Context, agentID string) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_holds
		WHERE agent_id = $1 AND status = 'active'
	`, agentID).Scan(&total)
	if err != nil {
		return 0, WrapDBError(err)
	}
	return total, nil
}

func (p *PostgresStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, type, coins, fiat, reference, created_at
		FROM ledger_entries WHERE account = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, WrapDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, &e.Coins, &e.Fiat, &e.Reference, &e.CreatedAt); err != nil {
			return nil, WrapDBError(err)
		}
		out = append(out, e)
	}
	return out, WrapDBError(rows.Err())
}

var _ Store = (*PostgresStore)(nil)

// pgMutator runs the primitives on a querier, normally an open *sql.Tx.
type pgMutator struct {
	q querier
}

func (m *pgMutator) TryLock(ctx context.Context, agentID string, coins int64, reference string) error {
	done := observeOp("lock")
	defer done()

	if coins <= 0 {
		return countErr("lock", ErrInvalidAmount)
	}

	// The WHERE clause is the balance check; it runs under the row lock the
	// UPDATE takes, so no concurrent lock can slip between check and write.
	res, err := m.q.ExecContext(ctx, `
		UPDATE agent_ledgers SET
			locked_balance = locked_balance + $2,
			updated_at     = NOW()
		WHERE agent_id = $1 AND total_balance - locked_balance >= $2
	`, agentID, coins)
	if err != nil {
		return countErr("lock", WrapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return countErr("lock", m.missingAgentOr(ctx, agentID, ErrInsufficientBalance))
	}

	_, err = m.q.ExecContext(ctx, `
		INSERT INTO escrow_holds (reference, agent_id, amount, status)
		VALUES ($1, $2, $3, 'active')
	`, reference, agentID, coins)
	if IsUniqueViolation(err, "escrow_holds_pkey") {
		return countErr("lock", ErrDuplicateHold)
	}
	if err != nil {
		return countErr("lock", WrapDBError(err))
	}
	return countErr("lock", m.journal(ctx, agentID, EntryLock, coins, decimal.Zero, reference))
}

func (m *pgMutator) Release(ctx context.Context, agentID string, coins int64, reference string) error {
	done := observeOp("release")
	defer done()

	if err := m.resolveHold(ctx, agentID, coins, reference, HoldReleased); err != nil {
		return countErr("release", err)
	}
	res, err := m.q.ExecContext(ctx, `
		UPDATE agent_ledgers SET
			locked_balance = locked_balance - $2,
			updated_at     = NOW()
		WHERE agent_id = $1 AND locked_balance >= $2
	`, agentID, coins)
	if err != nil {
		return countErr("release", WrapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return countErr("release", fmt.Errorf("%w: locked balance below hold", ErrHoldMismatch))
	}
	return countErr("release", m.journal(ctx, agentID, EntryRelease, coins, decimal.Zero, reference))
}

func (m *pgMutator) Settle(ctx context.Context, s Settlement) error {
	done := observeOp("settle")
	defer done()

	if s.Commission.IsNegative() {
		return countErr("settle", ErrInvalidAmount)
	}
	if err := m.resolveHold(ctx, s.AgentID, s.Coins, s.Reference, HoldSettled); err != nil {
		return countErr("settle", err)
	}

	res, err := m.q.ExecContext(ctx, `
		UPDATE agent_ledgers SET
			total_balance     = total_balance - $2,
			locked_balance    = locked_balance - $2,
			commission_earned = commission_earned + $3,
			updated_at        = NOW()
		WHERE agent_id = $1 AND locked_balance >= $2
	`, s.AgentID, s.Coins, s.Commission)
	if err != nil {
		return countErr("settle", WrapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return countErr("settle", fmt.Errorf("%w: locked balance below hold", ErrHoldMismatch))
	}

	_, err = m.q.ExecContext(ctx, `
		INSERT INTO buyer_balances (buyer_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (buyer_id) DO UPDATE SET
			balance    = buyer_balances.balance + EXCLUDED.balance,
			updated_at = NOW()
	`, s.BuyerID, s.Coins)
	if err != nil {
		return countErr("settle", WrapDBError(err))
	}

	for _, e := range []struct {
		account string
		typ     EntryType
		coins   int64
		fiat    decimal.Decimal
	}{
		{s.AgentID, EntrySettleOut, s.Coins, decimal.Zero},
		{s.BuyerID, EntrySettleIn, s.Coins, decimal.Zero},
		{s.AgentID, EntryCommission, 0, s.Commission},
	} {
		if err := m.journal(ctx, e.account, e.typ, e.coins, e.fiat, s.Reference); err != nil {
			return countErr("settle", err)
		}
	}
	return nil
}

// resolveHold moves an active hold to status, matching agent and amount.
// Only one transaction can win the status = 'active' guard.
func (m *pgMutator) resolveHold(ctx context.Context, agentID string, coins int64, reference string, status HoldStatus) error {
	var gotAgent string
	var gotAmount int64
	err := m.q.QueryRowContext(ctx, `
		UPDATE escrow_holds SET status = $2, resolved_at = NOW()
		WHERE reference = $1 AND status = 'active'
		RETURNING agent_id, amount
	`, reference, status).Scan(&gotAgent, &gotAmount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := m.q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_holds WHERE reference = $1)`, reference,
		).Scan(&exists); err != nil {
			return WrapDBError(err)
		}
		if exists {
			return ErrHoldNotActive
		}
		return ErrHoldNotFound
	}
	if err != nil {
		return WrapDBError(err)
	}
	if gotAgent != agentID || gotAmount != coins {
		return ErrHoldMismatch
	}
	return nil
}

func (m *pgMutator) missingAgentOr(ctx context.Context, agentID string, otherwise error) error {
	var exists bool
	if err := m.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_ledgers WHERE agent_id = $1)`, agentID,
	).Scan(&exists); err != nil {
		return WrapDBError(err)
	}
	if !exists {
		return ErrAgentNotFound
	}
	return otherwise
}

func (m *pgMutator) journal(ctx context.Context, account string, typ EntryType, coins int64, fiat decimal.Decimal, reference string) error {
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, coins, fiat, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, idgen.WithPrefix("led_"), account, typ, coins, fiat, reference)
	return WrapDBError(err)
}

// WrapDBError tags failures of the database itself with ErrUnavailable so
// callers can tell "retry later" apart from domain errors. Integrity
// violations and context cancellation pass through untagged.
func WrapDBError(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return fmt.Errorf("ledger: constraint %s: %w", pqErr.Constraint, err)
		case "08", "53", "57": // connection, resources, operator intervention
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case "40": // serialization failure, deadlock
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// IsUniqueViolation reports whether err is a Postgres unique_violation on
// the named constraint (any constraint when name is empty).
func IsUniqueViolation(err error, name string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && (name == "" || pqErr.Constraint == name)
}
