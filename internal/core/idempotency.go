package core

import (
	"container/list"
	"context"
	"sync"
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches a caller-supplied command key to ctx. The engine
// copies it onto the outcome record so the event log can answer duplicate
// lookups after a restart.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key attached by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// IdempotencyChecker implements two-tier deduplication of commands that may
// be delivered more than once (NATS redelivery, client retries). Keys being
// applied are held in an in-flight set, so concurrent deliveries of one key
// cannot both pass the check.
type IdempotencyChecker struct {
	mu       sync.Mutex
	inflight map[string]struct{}

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: event log lookup (optional)
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for the durable dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		inflight:  make(map[string]struct{}),
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// Reserve claims key for one application. It reports false when key was
// already applied or is being applied by another caller. Every successful
// Reserve must be paired with Release. A tier-2 error is returned to the
// caller, which decides whether to retry the command.
func (ic *IdempotencyChecker) Reserve(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}

	ic.mu.Lock()
	_, busy := ic.inflight[key]
	if busy || ic.lru.Contains(key) {
		ic.mu.Unlock()
		return false, nil
	}
	ic.inflight[key] = struct{}{}
	ic.mu.Unlock()

	if ic.dbChecker == nil {
		return true, nil
	}
	dup, err := ic.dbChecker.IsDuplicate(ctx, key)
	if err != nil {
		ic.Release(key, false)
		return false, err
	}
	if dup {
		ic.Release(key, true)
		return false, nil
	}
	return true, nil
}

// Release ends a reservation. An applied key is remembered as processed; any
// other key may be reserved again.
func (ic *IdempotencyChecker) Release(key string, applied bool) {
	if key == "" {
		return
	}
	ic.mu.Lock()
	delete(ic.inflight, key)
	if applied {
		ic.lru.Add(key)
	}
	ic.mu.Unlock()
}

// Warm loads recently applied keys, newest last.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, k := range keys {
		ic.lru.Add(k)
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys. Not thread-safe.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
