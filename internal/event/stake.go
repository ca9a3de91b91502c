package event

import "PredictLedger/internal/market"

// BetPlaced records one accepted stake. FirstStake is true when the
// principal's stake on this outcome was zero before the bet.
type BetPlaced struct {
	Market     market.ID        `json:"market_id"`
	Principal  market.Principal `json:"principal"`
	Outcome    int              `json:"outcome"`
	Amount     int64            `json:"amount"`
	TotalBet   int64            `json:"total_bet"`
	FirstStake bool             `json:"first_stake"`
}

func (e *BetPlaced) EventType() EventType { return EventTypeBetPlaced }
func (e *BetPlaced) MarketID() market.ID  { return e.Market }

type WinningsWithdrawn struct {
	Market    market.ID        `json:"market_id"`
	Principal market.Principal `json:"principal"`
	Stake     int64            `json:"stake"`
	Payout    int64            `json:"payout"`
}

func (e *WinningsWithdrawn) EventType() EventType { return EventTypeWinningsWithdrawn }
func (e *WinningsWithdrawn) MarketID() market.ID  { return e.Market }

type Refunded struct {
	Market     market.ID        `json:"market_id"`
	Principal  market.Principal `json:"principal"`
	Amount     int64            `json:"amount"`
	PerOutcome []int64          `json:"per_outcome"`
}

func (e *Refunded) EventType() EventType { return EventTypeRefunded }
func (e *Refunded) MarketID() market.ID  { return e.Market }
