package market

import (
	"fmt"
	"math"
	"time"
)

// Phase is the lifecycle stage of a market as observed at a given instant.
// It combines the stored State with the deadline.
type Phase int

const (
	PhaseOpen      Phase = iota // Before the deadline, not terminal
	PhaseExpired                // Past the deadline, neither resolved nor cancelled
	PhaseResolved               // Terminal
	PhaseCancelled              // Terminal
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseExpired:
		return "expired"
	case PhaseResolved:
		return "resolved"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParsePhase maps a phase name back to its value.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "open", "active":
		return PhaseOpen, nil
	case "expired":
		return PhaseExpired, nil
	case "resolved":
		return PhaseResolved, nil
	case "cancelled":
		return PhaseCancelled, nil
	default:
		return 0, fmt.Errorf("%w: unknown market phase %q", ErrInvalidArgument, s)
	}
}

// Phase derives the lifecycle stage at now.
func (m *Market) Phase(now time.Time) Phase {
	switch m.State {
	case StateResolved:
		return PhaseResolved
	case StateCancelled:
		return PhaseCancelled
	}
	if m.PastDeadline(now) {
		return PhaseExpired
	}
	return PhaseOpen
}

// PastDeadline reports now >= deadline.
func (m *Market) PastDeadline(now time.Time) bool {
	return !now.Before(m.Deadline)
}

// Terminal reports whether the market is resolved or cancelled.
func (m *Market) Terminal() bool {
	return m.State == StateResolved || m.State == StateCancelled
}

func (m *Market) checkNotTerminal() error {
	switch m.State {
	case StateResolved:
		return fmt.Errorf("%w: market %d already resolved", ErrInvalidState, m.ID)
	case StateCancelled:
		return fmt.Errorf("%w: market %d already cancelled", ErrInvalidState, m.ID)
	}
	return nil
}

func (m *Market) checkCreator(caller Principal) error {
	if caller != m.Creator {
		return fmt.Errorf("%w: %s is not the creator of market %d", ErrUnauthorized, caller, m.ID)
	}
	return nil
}

// CanStake validates a stake placement. Range and index checks come after
// the lifecycle checks so an expired market reports InvalidState first.
func (m *Market) CanStake(now time.Time, outcome int, value int64) error {
	if err := m.checkNotTerminal(); err != nil {
		return err
	}
	if m.PastDeadline(now) {
		return fmt.Errorf("%w: market %d betting closed at %s", ErrInvalidState, m.ID, m.Deadline.Format(time.RFC3339))
	}
	if m.Paused {
		return fmt.Errorf("%w: market %d betting paused", ErrInvalidState, m.ID)
	}
	if !m.ValidOutcome(outcome) {
		return fmt.Errorf("%w: outcome %d out of range [0,%d)", ErrInvalidArgument, outcome, len(m.Outcomes))
	}
	if value < m.MinBet || value > m.MaxBet {
		return fmt.Errorf("%w: stake %d outside [%d,%d]", ErrOutOfRange, value, m.MinBet, m.MaxBet)
	}
	// Every per-outcome pool and per-principal bet is bounded by TotalPool,
	// so this one check keeps all three from wrapping.
	if value > math.MaxInt64-m.TotalPool {
		return fmt.Errorf("%w: stake %d would overflow pool %d", ErrOutOfRange, value, m.TotalPool)
	}
	return nil
}

// CanCancel validates Open -> Cancelled: creator only, before the deadline,
// and only while the market holds no stake.
func (m *Market) CanCancel(caller Principal, now time.Time) error {
	if err := m.checkCreator(caller); err != nil {
		return err
	}
	if err := m.checkNotTerminal(); err != nil {
		return err
	}
	if m.PastDeadline(now) {
		return fmt.Errorf("%w: market %d past deadline", ErrInvalidState, m.ID)
	}
	if m.TotalPool != 0 {
		return fmt.Errorf("%w: market %d already holds stake", ErrInvalidState, m.ID)
	}
	return nil
}

// CanResolve validates Open|Expired -> Resolved. The creator may resolve only
// once the deadline has passed; the emergency path skips the deadline check
// and the creator check (the caller is authorised as admin elsewhere).
func (m *Market) CanResolve(caller Principal, now time.Time, outcome int, emergency bool) error {
	if !emergency {
		if err := m.checkCreator(caller); err != nil {
			return err
		}
	}
	if err := m.checkNotTerminal(); err != nil {
		return err
	}
	if !emergency && !m.PastDeadline(now) {
		return fmt.Errorf("%w: market %d not yet expired", ErrInvalidState, m.ID)
	}
	if !m.ValidOutcome(outcome) {
		return fmt.Errorf("%w: outcome %d out of range [0,%d)", ErrInvalidArgument, outcome, len(m.Outcomes))
	}
	return nil
}

// CanRefund validates refund eligibility: past the deadline and never
// resolved or cancelled. There is no closing time for this window.
func (m *Market) CanRefund(now time.Time) error {
	if err := m.checkNotTerminal(); err != nil {
		return err
	}
	if !m.PastDeadline(now) {
		return fmt.Errorf("%w: market %d not yet expired", ErrInvalidState, m.ID)
	}
	return nil
}

// CanWithdraw validates that the market is resolved.
func (m *Market) CanWithdraw() error {
	switch m.State {
	case StateCancelled:
		return fmt.Errorf("%w: market %d cancelled", ErrInvalidState, m.ID)
	case StateOpen:
		return fmt.Errorf("%w: market %d not resolved", ErrInvalidState, m.ID)
	}
	return nil
}

// CanExtend validates a deadline extension: creator only, strictly positive,
// only while still open and before the deadline.
func (m *Market) CanExtend(caller Principal, now time.Time, by time.Duration) error {
	if err := m.checkCreator(caller); err != nil {
		return err
	}
	if by <= 0 {
		return fmt.Errorf("%w: extension must be positive, got %s", ErrInvalidArgument, by)
	}
	if err := m.checkNotTerminal(); err != nil {
		return err
	}
	if m.PastDeadline(now) {
		return fmt.Errorf("%w: market %d past deadline", ErrInvalidState, m.ID)
	}
	return nil
}

// CanTogglePause validates a betting-paused toggle: creator only, before
// resolution or cancellation.
func (m *Market) CanTogglePause(caller Principal) error {
	if err := m.checkCreator(caller); err != nil {
		return err
	}
	return m.checkNotTerminal()
}

// CanSweepFee validates a platform fee sweep.
func (m *Market) CanSweepFee() error {
	if m.State != StateResolved {
		return fmt.Errorf("%w: market %d not resolved", ErrInvalidState, m.ID)
	}
	if m.FeeSwept {
		return fmt.Errorf("%w: market %d fee already swept", ErrInvalidState, m.ID)
	}
	return nil
}
