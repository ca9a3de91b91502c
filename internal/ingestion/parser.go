package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"PredictLedger/internal/market"
)

// ErrInvalidCommand marks a message that can never be applied: malformed
// JSON, unknown kind or a missing principal. Redelivery will not fix it.
var ErrInvalidCommand = errors.New("invalid command")

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Every message
// carries the header fields next to the command's own fields.

type headerJSON struct {
	CommandID string `json:"command_id"`
	Principal string `json:"principal"`
}

type createMarketJSON struct {
	Question        string   `json:"question"`
	Outcomes        []string `json:"outcomes"`
	Category        string   `json:"category"`
	DurationSeconds int64    `json:"duration_seconds"`
	MinBet          int64    `json:"min_bet"`
	MaxBet          int64    `json:"max_bet"`
}

type marketRefJSON struct {
	MarketID market.ID `json:"market_id"`
}

type outcomeJSON struct {
	MarketID market.ID `json:"market_id"`
	Outcome  *int      `json:"outcome"`
}

type placeBetJSON struct {
	MarketID market.ID `json:"market_id"`
	Outcome  *int      `json:"outcome"`
	Value    int64     `json:"value"`
}

type extendJSON struct {
	MarketID      market.ID `json:"market_id"`
	ExtendSeconds int64     `json:"extend_seconds"`
}

type pauseJSON struct {
	MarketID market.ID `json:"market_id"`
	Paused   *bool     `json:"paused"`
}

// KindFromSubject returns the last token of a command subject.
// "predict.commands.place_bet" gives "place_bet".
func KindFromSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// ParseRequest decodes a command message of the given kind.
func ParseRequest(kind string, data []byte) (*Request, error) {
	var h headerJSON
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, kind, err)
	}
	if strings.TrimSpace(h.Principal) == "" {
		return nil, fmt.Errorf("%w: %s: missing principal", ErrInvalidCommand, kind)
	}

	cmd, err := ParseCommand(kind, data)
	if err != nil {
		return nil, err
	}
	return &Request{
		CommandID: h.CommandID,
		Principal: market.Principal(h.Principal),
		Command:   cmd,
	}, nil
}

// ParseCommand decodes the kind-specific fields of a command body. Range and
// state checks are left to the ledger; only shape is checked here.
func ParseCommand(kind string, data []byte) (Command, error) {
	switch kind {
	case KindCreateMarket:
		var j createMarketJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		return &CreateMarket{Spec: market.Spec{
			Question: j.Question,
			Outcomes: j.Outcomes,
			Category: j.Category,
			Duration: time.Duration(j.DurationSeconds) * time.Second,
			MinBet:   j.MinBet,
			MaxBet:   j.MaxBet,
		}}, nil

	case KindPlaceBet:
		var j placeBetJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		if j.Outcome == nil {
			return nil, missing(kind, "outcome")
		}
		return &PlaceBet{MarketID: j.MarketID, Outcome: *j.Outcome, Value: j.Value}, nil

	case KindResolveMarket, KindEmergencyResolve:
		var j outcomeJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		if j.Outcome == nil {
			return nil, missing(kind, "outcome")
		}
		if kind == KindEmergencyResolve {
			return &EmergencyResolve{MarketID: j.MarketID, Outcome: *j.Outcome}, nil
		}
		return &ResolveMarket{MarketID: j.MarketID, Outcome: *j.Outcome}, nil

	case KindWithdrawWinnings, KindRefund, KindCancelMarket, KindSweepFees:
		var j marketRefJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		switch kind {
		case KindWithdrawWinnings:
			return &WithdrawWinnings{MarketID: j.MarketID}, nil
		case KindRefund:
			return &Refund{MarketID: j.MarketID}, nil
		case KindCancelMarket:
			return &CancelMarket{MarketID: j.MarketID}, nil
		default:
			return &SweepFees{MarketID: j.MarketID}, nil
		}

	case KindExtendDeadline:
		var j extendJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		return &ExtendDeadline{MarketID: j.MarketID, By: time.Duration(j.ExtendSeconds) * time.Second}, nil

	case KindSetBettingPaused, KindSetGlobalPause:
		var j pauseJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		if j.Paused == nil {
			return nil, missing(kind, "paused")
		}
		if kind == KindSetGlobalPause {
			return &SetGlobalPause{Paused: *j.Paused}, nil
		}
		return &SetBettingPaused{MarketID: j.MarketID, Paused: *j.Paused}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, kind)
	}
}

func decode(kind string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCommand, kind, err)
	}
	return nil
}

func missing(kind, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrInvalidCommand, kind, field)
}
