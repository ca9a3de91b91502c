package ledger

import (
	"fmt"
	"sync"

	"PredictLedger/internal/market"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// applyJournal applies a single journal entry. Caller holds mu.
func (bt *BalanceTracker) applyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()
	for _, j := range batch.Journals {
		bt.applyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// GetPoolBalance returns the value a market's pool currently holds
func (bt *BalanceTracker) GetPoolBalance(id market.ID) int64 {
	return bt.GetBalance(NewPoolAccountKey(id))
}

// GetUserBalance returns the total value ever paid out to a principal
func (bt *BalanceTracker) GetUserBalance(p market.Principal) int64 {
	return bt.GetBalance(NewUserAccountKey(p))
}

// GetFeeBalance returns the platform fees collected so far
func (bt *BalanceTracker) GetFeeBalance() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSystemFees))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances keyed by account path
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[string]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k.AccountPath()] = v
	}
	return snapshot
}
