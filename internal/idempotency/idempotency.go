// Package idempotency remembers which purchase request an Idempotency-Key
// produced, so a retried POST replays the original instead of locking coins
// twice.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInFlight means another request holding the same key has not finished.
	ErrInFlight = errors.New("idempotency: request with this key is still in progress")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("idempotency: store unavailable")
)

// pending marks a reserved key whose request has not completed.
const pending = "\x00pending"

// Store maps keys to results.
//
// The expected flow is Reserve, run the operation, then Complete on success
// or Release on failure so the client can retry with the same key.
type Store interface {
	// Reserve claims key. It returns false when the key already exists.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete stores the result for a reserved key.
	Complete(ctx context.Context, key, value string, ttl time.Duration) error
	// Lookup returns the stored result. found is false if the key is
	// unknown; ErrInFlight is returned while it is reserved but incomplete.
	Lookup(ctx context.Context, key string) (value string, found bool, err error)
	// Release forgets key.
	Release(ctx context.Context, key string) error
}

// Key scopes a client key to the party that sent it.
func Key(partyID, clientKey string) string {
	return "idem:purchase:" + partyID + ":" + clientKey
}
