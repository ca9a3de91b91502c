package query

import (
	"time"

	"PredictLedger/internal/market"
	"PredictLedger/internal/ranking"
)

// MarketResponse is the full view of one market.
type MarketResponse struct {
	ID             market.ID        `json:"id"`
	Question       string           `json:"question"`
	Outcomes       []string         `json:"outcomes"`
	Category       string           `json:"category"`
	Creator        market.Principal `json:"creator"`
	CreatedAt      time.Time        `json:"created_at"`
	Deadline       time.Time        `json:"deadline"`
	Phase          string           `json:"phase"` // derived at query time
	WinningOutcome *int             `json:"winning_outcome,omitempty"`
	Emergency      bool             `json:"emergency"`
	BettingPaused  bool             `json:"betting_paused"`
	MinBet         int64            `json:"min_bet"`
	MaxBet         int64            `json:"max_bet"`
	TotalPool      int64            `json:"total_pool"`
	OptionPools    []int64          `json:"option_pools"`
	PaidOut        int64            `json:"paid_out"`
	FeeSwept       bool             `json:"fee_swept"`
	Participants   int              `json:"participants"`
	AsOfSequence   int64            `json:"as_of_sequence"`
}

// MarketSummary is one row of a market listing.
type MarketSummary struct {
	ID        market.ID `json:"id"`
	Question  string    `json:"question"`
	Category  string    `json:"category"`
	Deadline  time.Time `json:"deadline"`
	Phase     string    `json:"phase"`
	TotalPool int64     `json:"total_pool"`
}

// PoolsResponse is the per-outcome distribution of a market's pool.
type PoolsResponse struct {
	ID        market.ID     `json:"id"`
	TotalPool int64         `json:"total_pool"`
	Outcomes  []OutcomePool `json:"outcomes"`

	// Held is what the pool account currently holds after payouts and fee.
	Held int64 `json:"held"`
}

type OutcomePool struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Pool  int64  `json:"pool"`

	// BasisPoints is the outcome's share of the total pool, truncated.
	BasisPoints int64 `json:"basis_points"`
}

// BetResponse is a principal's stake in one market.
type BetResponse struct {
	ID         market.ID        `json:"id"`
	Principal  market.Principal `json:"principal"`
	PerOutcome []int64          `json:"per_outcome"`
	Total      int64            `json:"total"`

	// PotentialPayout is what withdrawal would pay now (resolved markets only).
	PotentialPayout int64 `json:"potential_payout"`
}

// UserResponse aggregates a principal's activity.
type UserResponse struct {
	Principal market.Principal `json:"principal"`
	Winnings  int64            `json:"winnings"`
	WinCount  int64            `json:"win_count"`
	Refunded  int64            `json:"refunded"`
	History   []market.ID      `json:"history"`
	Balance   int64            `json:"balance"`
}

type LeaderboardResponse struct {
	Entries      []ranking.LeaderboardEntry `json:"entries"`
	AsOfSequence int64                      `json:"as_of_sequence"`
}

type CategoriesResponse struct {
	Categories   []ranking.CategoryEntry `json:"categories"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool              `json:"is_healthy"`
	HashChainBreaks []int64           `json:"hash_chain_breaks,omitempty"`
	NegativePools   []NegativeAccount `json:"negative_pools,omitempty"`
	LiveImbalance   int64             `json:"live_imbalance"`
	MarketErrors    []string          `json:"market_errors,omitempty"`
}

type NegativeAccount struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}
