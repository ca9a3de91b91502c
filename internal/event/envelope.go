package event

import (
	"encoding/json"
	"fmt"
	"time"

	"PredictLedger/internal/market"

	"github.com/google/uuid"
)

// EventType discriminator for outcome records
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeBetPlaced
	EventTypeMarketResolved
	EventTypeWinningsWithdrawn
	EventTypeRefunded
	EventTypeMarketCancelled
	EventTypeDeadlineExtended
	EventTypeBettingPaused
	EventTypeFeesSwept
	EventTypeGlobalPauseSet
)

// EventEnvelope wraps every outcome record in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	// Unique id of this record
	EventID uuid.UUID `json:"event_id"`

	// Caller-supplied command key, empty when the caller sent none
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Event type discriminator
	EventType EventType `json:"event_type"`

	// Market context (0 for global events)
	MarketID market.ID `json:"market_id,omitempty"`

	// Caller that triggered the operation
	Principal market.Principal `json:"principal"`

	// Set when the operation went through the admin override path
	Emergency bool `json:"emergency,omitempty"`

	// Clock reading at the time of the operation
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte `json:"state_hash"`

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

// Event is the interface all outcome payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (0 for global events)
	MarketID() market.ID
}

// Emergency reports whether an event came through the admin override path.
func Emergency(evt Event) bool {
	e, ok := evt.(interface{ IsEmergency() bool })
	return ok && e.IsEmergency()
}

// Decode unmarshals an envelope payload into its typed event.
func Decode(env *EventEnvelope) (Event, error) {
	var evt Event
	switch env.EventType {
	case EventTypeMarketCreated:
		evt = &MarketCreated{}
	case EventTypeBetPlaced:
		evt = &BetPlaced{}
	case EventTypeMarketResolved:
		evt = &MarketResolved{}
	case EventTypeWinningsWithdrawn:
		evt = &WinningsWithdrawn{}
	case EventTypeRefunded:
		evt = &Refunded{}
	case EventTypeMarketCancelled:
		evt = &MarketCancelled{}
	case EventTypeDeadlineExtended:
		evt = &DeadlineExtended{}
	case EventTypeBettingPaused:
		evt = &BettingPaused{}
	case EventTypeFeesSwept:
		evt = &FeesSwept{}
	case EventTypeGlobalPauseSet:
		evt = &GlobalPauseSet{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return evt, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeBetPlaced:
		return "BetPlaced"
	case EventTypeMarketResolved:
		return "MarketResolved"
	case EventTypeWinningsWithdrawn:
		return "WinningsWithdrawn"
	case EventTypeRefunded:
		return "Refunded"
	case EventTypeMarketCancelled:
		return "MarketCancelled"
	case EventTypeDeadlineExtended:
		return "DeadlineExtended"
	case EventTypeBettingPaused:
		return "BettingPaused"
	case EventTypeFeesSwept:
		return "FeesSwept"
	case EventTypeGlobalPauseSet:
		return "GlobalPauseSet"
	default:
		return "Unknown"
	}
}
