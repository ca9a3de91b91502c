package market

import (
	"fmt"
	"time"

	fpmath "PredictLedger/internal/math"
)

// The mutators below assume the matching Can* check has already passed.
// Callers run them inside the market's exclusive section.

// Stake adds value to the principal's stake on one outcome and to both pools.
// firstTouch is true when the principal's stake on that specific outcome was
// zero before this call; a principal staking on a second outcome of the same
// market is therefore "first touch" again.
func (m *Market) Stake(p Principal, outcome int, value int64) (firstTouch bool) {
	prev := m.BetOf(p, outcome)
	m.setBet(p, outcome, prev+value)
	m.OptionPools[outcome] += value
	m.TotalPool += value

	if prev == 0 {
		m.Participants = append(m.Participants, p)
		return true
	}
	return false
}

// Resolve fixes the winning outcome.
func (m *Market) Resolve(outcome int, emergency bool, now time.Time) {
	m.State = StateResolved
	m.Winning = outcome
	m.Emergency = emergency
	m.ResolvedAt = now
}

// Cancel moves the market to Cancelled.
func (m *Market) Cancel() {
	m.State = StateCancelled
}

// Extend pushes the deadline out.
func (m *Market) Extend(by time.Duration) {
	m.Deadline = m.Deadline.Add(by)
}

// SetPaused sets the betting-paused flag.
func (m *Market) SetPaused(paused bool) {
	m.Paused = paused
}

// Claim settles the principal's winning stake. The stake is cleared here,
// before the caller moves any value, so a repeated claim finds nothing and
// fails with ErrNoWinnings. Pools are left untouched so every winner is paid
// against the same denominator.
func (m *Market) Claim(p Principal, feePercent int64) (stake, share int64, err error) {
	stake = m.BetOf(p, m.Winning)
	if stake == 0 {
		return 0, 0, fmt.Errorf("%w: %s in market %d", ErrNoWinnings, p, m.ID)
	}

	share = fpmath.Share(stake, m.TotalPool, m.OptionPools[m.Winning], feePercent)

	m.setBet(p, m.Winning, 0)
	m.Claimed[m.Winning] += stake
	m.PaidOut += share
	return stake, share, nil
}

// RefundAll clears the principal's stake on every outcome and removes it
// from the pools. perOutcome reports what was taken from each outcome.
func (m *Market) RefundAll(p Principal) (amount int64, perOutcome []int64, err error) {
	bets, ok := m.Bets[p]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s in market %d", ErrNoBets, p, m.ID)
	}

	perOutcome = make([]int64, len(bets))
	copy(perOutcome, bets)
	for _, v := range perOutcome {
		amount += v
	}
	if amount == 0 {
		return 0, nil, fmt.Errorf("%w: %s in market %d", ErrNoBets, p, m.ID)
	}

	for i, v := range perOutcome {
		m.OptionPools[i] -= v
	}
	m.TotalPool -= amount
	delete(m.Bets, p)
	return amount, perOutcome, nil
}

// SweepFee marks the platform fee as collected and returns its amount.
func (m *Market) SweepFee(feePercent int64) int64 {
	m.FeeSwept = true
	return fpmath.Fee(m.TotalPool, feePercent)
}
