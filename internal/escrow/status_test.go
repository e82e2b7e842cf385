package escrow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_TransitionTable(t *testing.T) {
	allowed := map[Status]map[Op]Status{
		StatusPending:      {OpLock: StatusEscrowLocked, OpCancel: StatusCancelled},
		StatusEscrowLocked: {OpMarkPaid: StatusPaid, OpConfirm: StatusConfirmed, OpReject: StatusRejected, OpCancel: StatusCancelled, OpExpire: StatusExpired},
		StatusPaid:         {OpConfirm: StatusConfirmed, OpReject: StatusRejected, OpExpire: StatusExpired},
	}
	ops := []Op{OpLock, OpMarkPaid, OpConfirm, OpReject, OpCancel, OpExpire}

	for _, from := range Statuses {
		for _, op := range ops {
			to, err := Next(from, op)
			want, ok := allowed[from][op]
			if ok {
				require.NoError(t, err, "%s --%s-->", from, op)
				assert.Equal(t, want, to, "%s --%s-->", from, op)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s --%s--> should be rejected", from, op)
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, from, te.From)
			assert.Equal(t, op, te.Op)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range Statuses {
		if !s.IsTerminal() {
			continue
		}
		assert.Empty(t, transitions[s], "%s must be final", s)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPaid.Valid())
	assert.False(t, Status("DISPUTED").Valid())
	assert.True(t, StatusEscrowLocked.Open())
	assert.True(t, StatusPaid.Open())
	assert.False(t, StatusPending.Open())
	assert.False(t, StatusConfirmed.Open())
	assert.Len(t, Statuses, 7)
}

func TestTransitionError_Message(t *testing.T) {
	err := &TransitionError{Op: OpConfirm, From: StatusRejected}
	assert.Equal(t, "escrow: cannot confirm a request in status REJECTED", err.Error())
}
