package gateway

import (
	"context"
	"fmt"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/logging"
	"github.com/givecircle/coinescrow/internal/metrics"
)

// Operation names used in audit logs and metrics.
const (
	opCreate   = "create"
	opMarkPaid = "mark_paid"
	opConfirm  = "confirm"
	opReject   = "reject"
	opCancel   = "cancel"
	opGet      = "get"
	opPending  = "list_pending"
	opHistory  = "list_buyer"
	opLedger   = "agent_ledger"
	opAdmin    = "admin"
)

// authorize returns nil if caller may perform op on req. req is nil for
// operations that do not target an existing request.
func authorize(caller auth.Principal, op string, req *escrow.PurchaseRequest) error {
	switch op {
	case opCreate:
		if caller.Role != auth.RoleBuyer {
			return fmt.Errorf("%w: only buyers may create purchase requests", escrow.ErrUnauthorized)
		}
	case opMarkPaid, opCancel:
		if caller.Role != auth.RoleBuyer || caller.ID != req.BuyerID {
			return fmt.Errorf("%w: only the request's buyer may %s it", escrow.ErrUnauthorized, opVerb(op))
		}
	case opConfirm, opReject:
		isAgent := caller.Role == auth.RoleAgent && caller.ID == req.AgentID
		if !isAgent && !caller.IsAdmin() {
			return fmt.Errorf("%w: only the assigned agent or an admin may %s it", escrow.ErrUnauthorized, opVerb(op))
		}
		if op == opConfirm && req.PaymentMethod == escrow.PaymentCrypto && !caller.IsAdmin() {
			return fmt.Errorf("%w: crypto purchases are confirmed by an admin", escrow.ErrUnauthorized)
		}
	case opGet:
		if caller.IsAdmin() ||
			(caller.Role == auth.RoleBuyer && caller.ID == req.BuyerID) ||
			(caller.Role == auth.RoleAgent && caller.ID == req.AgentID) {
			return nil
		}
		return fmt.Errorf("%w: not a party to this request", escrow.ErrUnauthorized)
	case opAdmin:
		if !caller.IsAdmin() {
			return fmt.Errorf("%w: admin only", escrow.ErrUnauthorized)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", escrow.ErrUnauthorized, op)
	}
	return nil
}

// authorizeParty covers reads scoped to a party id in the path.
func authorizeParty(caller auth.Principal, op string, role auth.Role, partyID string) error {
	if caller.IsAdmin() || (caller.Role == role && caller.ID == partyID) {
		return nil
	}
	return fmt.Errorf("%w: %s %s belongs to someone else", escrow.ErrUnauthorized, role, partyID)
}

func opVerb(op string) string {
	if op == opMarkPaid {
		return "mark paid"
	}
	return op
}

// deny records a refused call for audit and returns err unchanged.
func deny(ctx context.Context, caller auth.Principal, op, purchaseID string, err error) error {
	metrics.UnauthorizedAttemptsTotal.WithLabelValues(op).Inc()
	logging.L(ctx).Warn("unauthorized purchase operation",
		"op", op,
		"purchaseId", purchaseID,
		"callerId", caller.ID,
		"callerRole", string(caller.Role),
		"reason", err.Error(),
	)
	return err
}
