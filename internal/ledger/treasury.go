package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PredictLedger/internal/market"
)

// ErrInsufficientPool is returned when a transfer would overdraw a pool.
var ErrInsufficientPool = errors.New("insufficient pool balance")

// Treasury moves value between principals, market pools and the platform
// fee account. Every movement is a validated journal batch applied to the
// balance tracker; the batch is returned so callers can persist it.
type Treasury struct {
	mu        sync.Mutex // serializes check-then-apply on pool balances
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func NewTreasury() *Treasury {
	tracker := NewBalanceTracker()
	return &Treasury{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

func (t *Treasury) Tracker() *BalanceTracker {
	return t.tracker
}

func (t *Treasury) Validator() *InvariantValidator {
	return t.validator
}

// Deposit moves a stake from outside the ledger into the market pool.
func (t *Treasury) Deposit(ctx context.Context, id market.ID, from market.Principal, amount int64, ref string, ts time.Time) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := NewBatch(ref, ts.UnixMicro(), JournalTypeStake,
		NewPoolAccountKey(id), NewExternalAccountKey(SubTypeExternalStakes), amount)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tracker.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("deposit %d from %s into market %d: %w", amount, from, id, err)
	}
	return batch, nil
}

// Transfer pays amount out of the market pool to a principal. It fails only
// when the pool does not hold enough.
func (t *Treasury) Transfer(ctx context.Context, id market.ID, to market.Principal, amount int64, jt JournalType, ref string, ts time.Time) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.drain(id, NewUserAccountKey(to), amount, jt, ref, ts)
}

// SweepFee moves a collected fee from the market pool to the platform.
func (t *Treasury) SweepFee(ctx context.Context, id market.ID, amount int64, ref string, ts time.Time) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.drain(id, NewSystemAccountKey(SubTypeSystemFees), amount, JournalTypeFeeSweep, ref, ts)
}

func (t *Treasury) drain(id market.ID, to AccountKey, amount int64, jt JournalType, ref string, ts time.Time) (*Batch, error) {
	pool := NewPoolAccountKey(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if have := t.tracker.GetBalance(pool); have < amount {
		return nil, fmt.Errorf("%w: market %d has %d, need %d", ErrInsufficientPool, id, have, amount)
	}
	batch := NewBatch(ref, ts.UnixMicro(), jt, to, pool, amount)
	if err := t.tracker.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("%s %d from market %d to %s: %w", jt, amount, id, to.AccountPath(), err)
	}
	return batch, nil
}

// Restore rebuilds balances from stored records after a restart. Each
// non-zero balance becomes an opening-balance journal against the external
// stakes account, so the ledger stays zero-sum.
func (t *Treasury) Restore(markets []*market.Market, users []*market.UserAccount, feesSwept, feePercent int64, ts time.Time) ([]*Batch, error) {
	external := NewExternalAccountKey(SubTypeExternalStakes)

	var opening []*Batch
	add := func(key AccountKey, amount int64) error {
		if amount == 0 {
			return nil
		}
		if amount < 0 {
			return fmt.Errorf("%w: opening balance for %s is negative: %d",
				market.ErrInvariant, key.AccountPath(), amount)
		}
		b := NewBatch("restore:"+key.AccountPath(), ts.UnixMicro(), JournalTypeOpeningBalance, key, external, amount)
		opening = append(opening, b)
		return nil
	}

	for _, m := range markets {
		if err := add(NewPoolAccountKey(m.ID), PoolValue(m, feePercent)); err != nil {
			return nil, err
		}
	}
	for _, u := range users {
		if err := add(NewUserAccountKey(u.Principal), u.Winnings+u.Refunded); err != nil {
			return nil, err
		}
	}
	if err := add(NewSystemAccountKey(SubTypeSystemFees), feesSwept); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range opening {
		if err := t.tracker.ApplyBatch(b); err != nil {
			return nil, err
		}
	}
	return opening, nil
}
