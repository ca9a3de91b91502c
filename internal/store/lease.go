package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWriterActive is returned by AcquireLease while another process holds
// the writer lease on the same store.
var ErrWriterActive = errors.New("store: another writer holds the lease")

// ErrLeaseLost is returned by Hold when the lease expired or was taken over.
var ErrLeaseLost = errors.New("store: writer lease lost")

// DefaultLeaseTTL bounds how long a lease outlives a writer that died
// without releasing it.
const DefaultLeaseTTL = 10 * time.Second

// Lease fences a store to a single writing process. The engine keeps its
// sequence, hash chain and treasury in process memory, so two processes
// writing one store would fork all three.
type Lease interface {
	// Hold keeps the lease alive until ctx is done (nil) or the lease is
	// lost (ErrLeaseLost).
	Hold(ctx context.Context) error
	// Release gives the lease up. Safe to call more than once.
	Release()
}

// Leaser is implemented by every KV backend.
type Leaser interface {
	AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error)
}

// AcquireLease fences a Memory store to one engine. Memory is process-local,
// so the lease only guards against two engines built over the same instance.
func (m *Memory) AcquireLease(_ context.Context, _ time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leased {
		return nil, ErrWriterActive
	}
	m.leased = true
	return &memoryLease{m: m}, nil
}

type memoryLease struct {
	m    *Memory
	once sync.Once
}

func (l *memoryLease) Hold(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.m.leased = false
		l.m.mu.Unlock()
	})
}

func renewInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return ttl / 3
}

var (
	_ Leaser = (*Memory)(nil)
	_ Leaser = (*Postgres)(nil)
	_ Leaser = (*Redis)(nil)
)
