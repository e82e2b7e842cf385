package escrow

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a purchase request.
type Status string

const (
	StatusPending      Status = "PENDING"       // Created, coins not yet reserved
	StatusEscrowLocked Status = "ESCROW_LOCKED" // Coins reserved against the agent
	StatusPaid         Status = "PAID"          // Buyer says payment was sent
	StatusConfirmed    Status = "CONFIRMED"     // Coins released to the buyer
	StatusRejected     Status = "REJECTED"      // Payment refused, coins unlocked
	StatusExpired      Status = "EXPIRED"       // TTL elapsed, coins unlocked
	StatusCancelled    Status = "CANCELLED"     // Withdrawn by the buyer
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusEscrowLocked, StatusPaid,
	StatusConfirmed, StatusRejected, StatusExpired, StatusCancelled,
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEscrowLocked, StatusPaid,
		StatusConfirmed, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether s still has coins reserved in escrow.
func (s Status) Open() bool {
	return s == StatusEscrowLocked || s == StatusPaid
}

// Op is an operation that moves a request between statuses.
type Op string

const (
	OpLock     Op = "lock"
	OpMarkPaid Op = "mark_paid"
	OpConfirm  Op = "confirm"
	OpReject   Op = "reject"
	OpCancel   Op = "cancel"
	OpExpire   Op = "expire"
)

// transitions is the complete state machine. A (status, op) pair missing
// from the table is an invalid transition.
var transitions = map[Status]map[Op]Status{
	StatusPending: {
		OpLock:   StatusEscrowLocked,
		OpCancel: StatusCancelled,
	},
	StatusEscrowLocked: {
		OpMarkPaid: StatusPaid,
		OpConfirm:  StatusConfirmed,
		OpReject:   StatusRejected,
		OpCancel:   StatusCancelled,
		OpExpire:   StatusExpired,
	},
	StatusPaid: {
		OpConfirm: StatusConfirmed,
		OpReject:  StatusRejected,
		OpExpire:  StatusExpired,
	},
}

// Next returns the status op leads to from from.
func Next(from Status, op Op) (Status, error) {
	if to, ok := transitions[from][op]; ok {
		return to, nil
	}
	return "", &TransitionError{Op: op, From: from}
}

// ErrInvalidStateTransition is matched by every *TransitionError.
var ErrInvalidStateTransition = errors.New("escrow: invalid state transition")

// TransitionError records an operation attempted from a status that does
// not allow it.
type TransitionError struct {
	Op   Op
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: cannot %s a request in status %s", e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
