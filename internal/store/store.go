// Package store implements the keyed record store beneath the ledger.
//
// The ledger needs only Get and Put on opaque JSON records plus a per-key
// exclusive section (Locker). Cross-key transactions are never required:
// every operation rewrites one market record and a bounded number of
// per-principal or registry records, each under its own lock.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key was never written.
var ErrNotFound = errors.New("store: key not found")

// ErrLockTimeout is returned when a lock could not be acquired before the
// context expired.
var ErrLockTimeout = errors.New("store: lock not acquired")

// KV is a keyed record store. Put must be atomic with respect to concurrent
// callers on the same key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Locker provides exclusive sections keyed by record key. The returned
// unlock function is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
