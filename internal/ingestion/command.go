package ingestion

import (
	"context"
	"time"

	"PredictLedger/internal/market"
)

// Ledger is the set of operations a command can invoke. *core.Engine
// satisfies it.
type Ledger interface {
	CreateMarket(ctx context.Context, caller market.Principal, spec market.Spec) (market.ID, error)
	PlaceBet(ctx context.Context, caller market.Principal, id market.ID, outcome int, value int64) error
	ResolveMarket(ctx context.Context, caller market.Principal, id market.ID, outcome int) error
	WithdrawWinnings(ctx context.Context, caller market.Principal, id market.ID) (int64, error)
	Refund(ctx context.Context, caller market.Principal, id market.ID) (int64, error)
	CancelMarket(ctx context.Context, caller market.Principal, id market.ID) error
	ExtendDeadline(ctx context.Context, caller market.Principal, id market.ID, by time.Duration) error
	SetBettingPaused(ctx context.Context, caller market.Principal, id market.ID, paused bool) error
	EmergencyResolve(ctx context.Context, caller market.Principal, id market.ID, outcome int) error
	SetGlobalPause(ctx context.Context, caller market.Principal, paused bool) error
	SweepFees(ctx context.Context, caller market.Principal, id market.ID) (int64, error)
}

// Command kinds. Each is also the last token of its NATS subject.
const (
	KindCreateMarket     = "create_market"
	KindPlaceBet         = "place_bet"
	KindResolveMarket    = "resolve_market"
	KindWithdrawWinnings = "withdraw_winnings"
	KindRefund           = "refund"
	KindCancelMarket     = "cancel_market"
	KindExtendDeadline   = "extend_deadline"
	KindSetBettingPaused = "set_betting_paused"
	KindEmergencyResolve = "emergency_resolve"
	KindSetGlobalPause   = "set_global_pause"
	KindSweepFees        = "sweep_fees"
)

// Result carries what an applied command produced. MarketID is set for
// CreateMarket, Amount for value-moving commands. Sequence is the outcome
// record the command emitted.
type Result struct {
	MarketID market.ID `json:"market_id,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	Sequence int64     `json:"sequence"`
}

// Command is one typed ledger operation, independent of the transport that
// carried it.
type Command interface {
	Kind() string
	Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error)
}

// Request is a command together with its caller and deduplication key.
type Request struct {
	CommandID string
	Principal market.Principal
	Command   Command
}

type CreateMarket struct {
	Spec market.Spec
}

func (c *CreateMarket) Kind() string { return KindCreateMarket }

func (c *CreateMarket) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	id, err := l.CreateMarket(ctx, caller, c.Spec)
	return Result{MarketID: id}, err
}

type PlaceBet struct {
	MarketID market.ID
	Outcome  int
	Value    int64
}

func (c *PlaceBet) Kind() string { return KindPlaceBet }

func (c *PlaceBet) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{Amount: c.Value}, l.PlaceBet(ctx, caller, c.MarketID, c.Outcome, c.Value)
}

type ResolveMarket struct {
	MarketID market.ID
	Outcome  int
}

func (c *ResolveMarket) Kind() string { return KindResolveMarket }

func (c *ResolveMarket) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{}, l.ResolveMarket(ctx, caller, c.MarketID, c.Outcome)
}

type WithdrawWinnings struct {
	MarketID market.ID
}

func (c *WithdrawWinnings) Kind() string { return KindWithdrawWinnings }

func (c *WithdrawWinnings) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	amount, err := l.WithdrawWinnings(ctx, caller, c.MarketID)
	return Result{Amount: amount}, err
}

type Refund struct {
	MarketID market.ID
}

func (c *Refund) Kind() string { return KindRefund }

func (c *Refund) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	amount, err := l.Refund(ctx, caller, c.MarketID)
	return Result{Amount: amount}, err
}

type CancelMarket struct {
	MarketID market.ID
}

func (c *CancelMarket) Kind() string { return KindCancelMarket }

func (c *CancelMarket) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{}, l.CancelMarket(ctx, caller, c.MarketID)
}

type ExtendDeadline struct {
	MarketID market.ID
	By       time.Duration
}

func (c *ExtendDeadline) Kind() string { return KindExtendDeadline }

func (c *ExtendDeadline) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{}, l.ExtendDeadline(ctx, caller, c.MarketID, c.By)
}

type SetBettingPaused struct {
	MarketID market.ID
	Paused   bool
}

func (c *SetBettingPaused) Kind() string { return KindSetBettingPaused }

func (c *SetBettingPaused) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{}, l.SetBettingPaused(ctx, caller, c.MarketID, c.Paused)
}

type EmergencyResolve struct {
	MarketID market.ID
	Outcome  int
}

func (c *EmergencyResolve) Kind() string { return KindEmergencyResolve }

func (c *EmergencyResolve) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{}, l.EmergencyResolve(ctx, caller, c.MarketID, c.Outcome)
}

type SetGlobalPause struct {
	Paused bool
}

func (c *SetGlobalPause) Kind() string { return KindSetGlobalPause }

func (c *SetGlobalPause) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	return Result{}, l.SetGlobalPause(ctx, caller, c.Paused)
}

type SweepFees struct {
	MarketID market.ID
}

func (c *SweepFees) Kind() string { return KindSweepFees }

func (c *SweepFees) Apply(ctx context.Context, l Ledger, caller market.Principal) (Result, error) {
	amount, err := l.SweepFees(ctx, caller, c.MarketID)
	return Result{Amount: amount}, err
}

// BindMarket sets the target market of a market-scoped command. Commands
// without a market are returned unchanged.
func BindMarket(cmd Command, id market.ID) Command {
	switch c := cmd.(type) {
	case *PlaceBet:
		c.MarketID = id
	case *ResolveMarket:
		c.MarketID = id
	case *WithdrawWinnings:
		c.MarketID = id
	case *Refund:
		c.MarketID = id
	case *CancelMarket:
		c.MarketID = id
	case *ExtendDeadline:
		c.MarketID = id
	case *SetBettingPaused:
		c.MarketID = id
	case *EmergencyResolve:
		c.MarketID = id
	case *SweepFees:
		c.MarketID = id
	}
	return cmd
}
