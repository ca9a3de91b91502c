package market

import (
	"fmt"
	"strings"
	"time"
)

// MaxBetLimit is the largest per-stake bound a market may declare.
const MaxBetLimit int64 = 1_000_000_000_000_000

// Spec carries the caller-supplied parameters of a new market.
type Spec struct {
	Question string        `json:"question"`
	Outcomes []string      `json:"outcomes"`
	Category string        `json:"category"`
	Duration time.Duration `json:"duration"`
	MinBet   int64         `json:"min_bet"`
	MaxBet   int64         `json:"max_bet"`
}

// Validate checks creation preconditions. Each failure is independent of the
// others and reported as ErrInvalidArgument.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Question) == "" {
		return fmt.Errorf("%w: question is empty", ErrInvalidArgument)
	}
	if len(s.Outcomes) < 2 {
		return fmt.Errorf("%w: need at least 2 outcomes, got %d", ErrInvalidArgument, len(s.Outcomes))
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %s", ErrInvalidArgument, s.Duration)
	}
	if s.MinBet < 1 {
		return fmt.Errorf("%w: min bet must be at least 1, got %d", ErrInvalidArgument, s.MinBet)
	}
	if s.MaxBet < s.MinBet {
		return fmt.Errorf("%w: max bet %d below min bet %d", ErrInvalidArgument, s.MaxBet, s.MinBet)
	}
	if s.MaxBet > MaxBetLimit {
		return fmt.Errorf("%w: max bet %d above limit %d", ErrInvalidArgument, s.MaxBet, MaxBetLimit)
	}
	return nil
}

// Build creates the market record described by s.
func (s *Spec) Build(id ID, creator Principal, now time.Time) *Market {
	return New(id, creator, s.Question, s.Outcomes, s.Category, s.MinBet, s.MaxBet, now, s.Duration)
}
