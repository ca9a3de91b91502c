package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PredictLedger/internal/market"
	"PredictLedger/internal/store"
)

// ============================================================================
// Test: Memory KV
// ============================================================================

func TestMemory_GetMissing(t *testing.T) {
	kv := store.NewMemory()
	if _, err := kv.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_PutCopiesValue(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	buf := []byte("abc")
	if err := kv.Put(ctx, "k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'z'

	got, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("got %q, want abc", got)
	}
}

// ============================================================================
// Test: KeyedMutex
// ============================================================================

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := store.NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "market:1")
			if err != nil {
				t.Error(err)
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter: got %d, want 50 (lost updates)", counter)
	}
	if km.Held() != 0 {
		t.Errorf("held entries: got %d, want 0", km.Held())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := store.NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "market:1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "market:2")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_ContextTimeout(t *testing.T) {
	km := store.NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestKeyedMutex_UnlockIdempotent(t *testing.T) {
	km := store.NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	again, err := km.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("relock after double unlock: %v", err)
	}
	again()
}

// ============================================================================
// Test: Records
// ============================================================================

func TestRecords_UnknownMarketIsNotFound(t *testing.T) {
	recs := store.NewRecords(store.NewMemory())
	_, err := recs.GetMarket(context.Background(), 7)
	if !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("expected market.ErrNotFound, got %v", err)
	}
}

func TestRecords_MarketCounter(t *testing.T) {
	recs := store.NewRecords(store.NewMemory())
	ctx := context.Background()

	n, err := recs.MarketCount(ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh counter: got %d, %v", n, err)
	}
	if err := recs.SetMarketCount(ctx, 42); err != nil {
		t.Fatal(err)
	}
	n, err = recs.MarketCount(ctx)
	if err != nil || n != 42 {
		t.Fatalf("counter: got %d, %v", n, err)
	}
}

func TestRecords_MarketPreservesBets(t *testing.T) {
	recs := store.NewRecords(store.NewMemory())
	ctx := context.Background()

	m := market.New(1, "alice", "q", []string{"a", "b"}, "c", 1, 10, time.Unix(0, 0).UTC(), time.Hour)
	m.Stake("bob", 1, 4)
	if err := recs.PutMarket(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := recs.GetMarket(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.BetOf("bob", 1) != 4 || got.TotalPool != 4 {
		t.Errorf("stake lost across encode: %+v", got)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestRecords_FreshUserIsEmpty(t *testing.T) {
	recs := store.NewRecords(store.NewMemory())
	acct, err := recs.GetUser(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Principal != "nobody" || acct.Winnings != 0 || len(acct.History) != 0 {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestParticipantRegistry_SurvivesDecode(t *testing.T) {
	recs := store.NewRecords(store.NewMemory())
	ctx := context.Background()

	reg, _ := recs.GetParticipants(ctx)
	reg.Register("a")
	reg.Register("b")
	if err := recs.PutParticipants(ctx, reg); err != nil {
		t.Fatal(err)
	}

	reg, err := recs.GetParticipants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Register("a") {
		t.Error("decoded registry forgot existing member")
	}
	if !reg.Register("c") {
		t.Error("new member not registered")
	}
	if len(reg.Principals) != 3 {
		t.Errorf("principals: got %v", reg.Principals)
	}
}

// ============================================================================
// Test: writer lease
// ============================================================================

func TestMemory_LeaseRefusesSecondWriter(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()

	first, err := kv.AcquireLease(ctx, time.Second)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if _, err := kv.AcquireLease(ctx, time.Second); !errors.Is(err, store.ErrWriterActive) {
		t.Fatalf("second writer: got %v, want ErrWriterActive", err)
	}

	first.Release()
	first.Release()

	next, err := kv.AcquireLease(ctx, time.Second)
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	next.Release()
}

func TestMemory_LeaseHoldReturnsOnCancel(t *testing.T) {
	lease, err := store.NewMemory().AcquireLease(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lease.Hold(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Hold: got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Hold did not return after cancel")
	}
}
