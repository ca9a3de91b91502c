package event

import (
	"time"

	"PredictLedger/internal/market"
)

type MarketCreated struct {
	Market   market.ID        `json:"market_id"`
	Creator  market.Principal `json:"creator"`
	Question string           `json:"question"`
	Outcomes []string         `json:"outcomes"`
	Category string           `json:"category"`
	MinBet   int64            `json:"min_bet"`
	MaxBet   int64            `json:"max_bet"`
	Deadline time.Time        `json:"deadline"`
}

func (e *MarketCreated) EventType() EventType { return EventTypeMarketCreated }
func (e *MarketCreated) MarketID() market.ID  { return e.Market }

// MarketResolved is emitted by both the creator path and the admin path.
// Emergency distinguishes the two in the audit trail.
type MarketResolved struct {
	Market         market.ID        `json:"market_id"`
	ResolvedBy     market.Principal `json:"resolved_by"`
	WinningOutcome int              `json:"winning_outcome"`
	TotalPool      int64            `json:"total_pool"`
	WinningPool    int64            `json:"winning_pool"`
	Emergency      bool             `json:"emergency"`
}

func (e *MarketResolved) EventType() EventType { return EventTypeMarketResolved }
func (e *MarketResolved) MarketID() market.ID  { return e.Market }
func (e *MarketResolved) IsEmergency() bool    { return e.Emergency }

type MarketCancelled struct {
	Market market.ID        `json:"market_id"`
	By     market.Principal `json:"by"`
}

func (e *MarketCancelled) EventType() EventType { return EventTypeMarketCancelled }
func (e *MarketCancelled) MarketID() market.ID  { return e.Market }

type DeadlineExtended struct {
	Market      market.ID     `json:"market_id"`
	ExtendedBy  time.Duration `json:"extended_by"`
	NewDeadline time.Time     `json:"new_deadline"`
}

func (e *DeadlineExtended) EventType() EventType { return EventTypeDeadlineExtended }
func (e *DeadlineExtended) MarketID() market.ID  { return e.Market }

type BettingPaused struct {
	Market market.ID `json:"market_id"`
	Paused bool      `json:"paused"`
}

func (e *BettingPaused) EventType() EventType { return EventTypeBettingPaused }
func (e *BettingPaused) MarketID() market.ID  { return e.Market }
