package ledger

import (
	"fmt"

	"PredictLedger/internal/market"
	fpmath "PredictLedger/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("%w: global balance is non-zero: %d", market.ErrInvariant, total)
	}
	return nil
}

// ValidatePoolBacking verifies the pool account holds exactly what the
// market record says it should: the live pool, minus winnings already paid,
// minus the fee once swept.
func (v *InvariantValidator) ValidatePoolBacking(m *market.Market, feePercent int64) error {
	want := PoolValue(m, feePercent)
	got := v.tracker.GetPoolBalance(m.ID)
	if got != want {
		return fmt.Errorf("%w: market %d pool account holds %d, record implies %d",
			market.ErrInvariant, m.ID, got, want)
	}
	if got < 0 {
		return fmt.Errorf("%w: market %d pool account negative: %d", market.ErrInvariant, m.ID, got)
	}
	return nil
}

// PoolValue is the balance a market's pool account must hold.
func PoolValue(m *market.Market, feePercent int64) int64 {
	v := m.TotalPool - m.PaidOut
	if m.FeeSwept {
		v -= fpmath.Fee(m.TotalPool, feePercent)
	}
	return v
}
