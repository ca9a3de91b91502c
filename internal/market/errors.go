package market

import "errors"

// Error taxonomy. Operations wrap these with context via fmt.Errorf("%w: ...")
// so callers can match with errors.Is.
var (
	ErrNotFound        = errors.New("market not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidState    = errors.New("invalid market state")
	ErrOutOfRange      = errors.New("stake out of range")
	ErrNoWinnings      = errors.New("no winnings to withdraw")
	ErrNoBets          = errors.New("no bets to refund")

	// ErrInvariant is returned when a post-mutation check finds the pool
	// bookkeeping inconsistent. It should never surface in a healthy system.
	ErrInvariant = errors.New("ledger invariant violated")
)
