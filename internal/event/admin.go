package event

import "PredictLedger/internal/market"

type FeesSwept struct {
	Market market.ID        `json:"market_id"`
	By     market.Principal `json:"by"`
	Amount int64            `json:"amount"`
}

func (e *FeesSwept) EventType() EventType { return EventTypeFeesSwept }
func (e *FeesSwept) MarketID() market.ID  { return e.Market }

// GlobalPauseSet is a platform-wide event and carries no market.
type GlobalPauseSet struct {
	By     market.Principal `json:"by"`
	Paused bool             `json:"paused"`
}

func (e *GlobalPauseSet) EventType() EventType { return EventTypeGlobalPauseSet }
func (e *GlobalPauseSet) MarketID() market.ID  { return 0 }
