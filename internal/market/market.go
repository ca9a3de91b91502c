package market

import (
	"fmt"
	"strconv"
	"time"
)

// ID identifies a market. IDs are assigned sequentially starting at 1 and
// are never reused.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses a decimal market identifier.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: market id %q", ErrInvalidArgument, s)
	}
	return ID(v), nil
}

// Principal is an already-authenticated caller identifier.
type Principal string

// State is the stored lifecycle state of a market. Expiry is not stored; it
// is derived from the deadline at call time (see Phase).
type State int

const (
	StateOpen      State = iota // Accepting stakes until the deadline
	StateResolved               // Winning outcome fixed, payouts unlocked
	StateCancelled              // Withdrawn by the creator before any stake
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Market is the persisted record for one prediction market. The record also
// carries every principal's stake so that a single keyed read-modify-write
// covers all pool bookkeeping for the market.
type Market struct {
	ID          ID        `json:"id"`
	Question    string    `json:"question"`
	Outcomes    []string  `json:"outcomes"`
	Category    string    `json:"category"`
	Creator     Principal `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
	MinBet      int64     `json:"min_bet"`
	MaxBet      int64     `json:"max_bet"`
	State       State     `json:"state"`
	Winning     int       `json:"winning_outcome"` // valid only once Resolved
	Emergency   bool      `json:"emergency"`       // resolved through the admin path
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
	Paused      bool      `json:"betting_paused"`
	TotalPool   int64     `json:"total_pool"`
	OptionPools []int64   `json:"option_pools"`

	// Bets maps principal -> stake per outcome index.
	Bets map[Principal][]int64 `json:"bets"`

	// Claimed is the winning stake already settled by withdrawal, per
	// outcome. Pools stay frozen after resolution so later winners see the
	// same share denominator; Claimed keeps the per-outcome sum checkable.
	Claimed []int64 `json:"claimed"`

	// PaidOut is the total value transferred to winners.
	PaidOut  int64 `json:"paid_out"`
	FeeSwept bool  `json:"fee_swept"`

	// Participants lists principals in first-stake order. A principal
	// appears again for every outcome it stakes on for the first time.
	Participants []Principal `json:"participants"`
}

// New builds an Open market with zeroed pools.
func New(id ID, creator Principal, question string, outcomes []string, category string,
	minBet, maxBet int64, now time.Time, duration time.Duration) *Market {
	labels := make([]string, len(outcomes))
	copy(labels, outcomes)

	return &Market{
		ID:           id,
		Question:     question,
		Outcomes:     labels,
		Category:     category,
		Creator:      creator,
		CreatedAt:    now,
		Deadline:     now.Add(duration),
		MinBet:       minBet,
		MaxBet:       maxBet,
		State:        StateOpen,
		Winning:      -1,
		OptionPools:  make([]int64, len(labels)),
		Claimed:      make([]int64, len(labels)),
		Bets:         make(map[Principal][]int64),
		Participants: []Principal{},
	}
}

// ValidOutcome reports whether idx addresses one of the market's outcomes.
func (m *Market) ValidOutcome(idx int) bool {
	return idx >= 0 && idx < len(m.Outcomes)
}

// BetOf returns the principal's stake on one outcome.
func (m *Market) BetOf(p Principal, idx int) int64 {
	bets, ok := m.Bets[p]
	if !ok || idx < 0 || idx >= len(bets) {
		return 0
	}
	return bets[idx]
}

// TotalBetOf sums the principal's stake across all outcomes.
func (m *Market) TotalBetOf(p Principal) int64 {
	var total int64
	for _, v := range m.Bets[p] {
		total += v
	}
	return total
}

// setBet stores a stake, dropping the principal entry once it is all zero.
func (m *Market) setBet(p Principal, idx int, value int64) {
	bets, ok := m.Bets[p]
	if !ok {
		if value == 0 {
			return
		}
		bets = make([]int64, len(m.Outcomes))
		m.Bets[p] = bets
	}
	bets[idx] = value

	for _, v := range bets {
		if v != 0 {
			return
		}
	}
	delete(m.Bets, p)
}

// Clone returns a deep copy so readers never share mutable slices with the
// record being written.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.OptionPools = append([]int64(nil), m.OptionPools...)
	c.Claimed = append([]int64(nil), m.Claimed...)
	c.Participants = append([]Principal(nil), m.Participants...)
	c.Bets = make(map[Principal][]int64, len(m.Bets))
	for p, b := range m.Bets {
		c.Bets[p] = append([]int64(nil), b...)
	}
	return &c
}

// CheckInvariants verifies the pool bookkeeping of the record.
func (m *Market) CheckInvariants() error {
	if len(m.OptionPools) != len(m.Outcomes) || len(m.Claimed) != len(m.Outcomes) {
		return fmt.Errorf("%w: market %d pool arity mismatch", ErrInvariant, m.ID)
	}

	var sum int64
	for _, v := range m.OptionPools {
		if v < 0 {
			return fmt.Errorf("%w: market %d negative option pool", ErrInvariant, m.ID)
		}
		sum += v
	}
	if sum != m.TotalPool {
		return fmt.Errorf("%w: market %d total pool %d != sum of option pools %d",
			ErrInvariant, m.ID, m.TotalPool, sum)
	}

	staked := make([]int64, len(m.Outcomes))
	for p, bets := range m.Bets {
		if len(bets) != len(m.Outcomes) {
			return fmt.Errorf("%w: market %d principal %s bet arity mismatch", ErrInvariant, m.ID, p)
		}
		for i, v := range bets {
			if v < 0 {
				return fmt.Errorf("%w: market %d principal %s negative bet", ErrInvariant, m.ID, p)
			}
			staked[i] += v
		}
	}
	for i := range staked {
		if staked[i]+m.Claimed[i] != m.OptionPools[i] {
			return fmt.Errorf("%w: market %d outcome %d bets %d + claimed %d != pool %d",
				ErrInvariant, m.ID, i, staked[i], m.Claimed[i], m.OptionPools[i])
		}
	}
	return nil
}
