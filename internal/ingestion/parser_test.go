package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/event"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/store"
	"PredictLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func rawFromJSON(t *testing.T, kind string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:  ingestion.CommandSubject(kind),
		Data:     data,
		Received: time.Now(),
	}
}

// ============================================================================
// Test: Parsing
// ============================================================================

func TestKindFromSubject(t *testing.T) {
	if got := ingestion.KindFromSubject("predict.commands.place_bet"); got != "place_bet" {
		t.Errorf("got %s, want place_bet", got)
	}
	if got := ingestion.KindFromSubject("refund"); got != "refund" {
		t.Errorf("got %s, want refund", got)
	}
}

func TestParseCreateMarket(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":       "c-1",
		"principal":        "alice",
		"question":         "Who wins?",
		"outcomes":         []string{"home", "away", "draw"},
		"category":         "sports",
		"duration_seconds": int64(3600),
		"min_bet":          int64(1),
		"max_bet":          int64(500),
	}
	data, _ := json.Marshal(payload)

	req, err := ingestion.ParseRequest(ingestion.KindCreateMarket, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.CommandID != "c-1" || req.Principal != "alice" {
		t.Errorf("header: got %q/%q", req.CommandID, req.Principal)
	}

	cm, ok := req.Command.(*ingestion.CreateMarket)
	if !ok {
		t.Fatalf("expected *ingestion.CreateMarket, got %T", req.Command)
	}
	if cm.Spec.Duration != time.Hour {
		t.Errorf("duration: got %s, want 1h", cm.Spec.Duration)
	}
	if len(cm.Spec.Outcomes) != 3 || cm.Spec.MaxBet != 500 {
		t.Errorf("spec: %+v", cm.Spec)
	}
}

func TestParsePlaceBet(t *testing.T) {
	data := []byte(`{"principal":"bob","market_id":7,"outcome":0,"value":25}`)
	req, err := ingestion.ParseRequest(ingestion.KindPlaceBet, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pb, ok := req.Command.(*ingestion.PlaceBet)
	if !ok {
		t.Fatalf("expected *ingestion.PlaceBet, got %T", req.Command)
	}
	if pb.MarketID != 7 || pb.Outcome != 0 || pb.Value != 25 {
		t.Errorf("got %+v", pb)
	}
	if req.CommandID != "" {
		t.Errorf("command id: got %q, want empty", req.CommandID)
	}
}

func TestParseCommand_Kinds(t *testing.T) {
	tests := []struct {
		kind string
		body string
		want string
	}{
		{ingestion.KindResolveMarket, `{"market_id":1,"outcome":1}`, "*ingestion.ResolveMarket"},
		{ingestion.KindEmergencyResolve, `{"market_id":1,"outcome":0}`, "*ingestion.EmergencyResolve"},
		{ingestion.KindWithdrawWinnings, `{"market_id":1}`, "*ingestion.WithdrawWinnings"},
		{ingestion.KindRefund, `{"market_id":1}`, "*ingestion.Refund"},
		{ingestion.KindCancelMarket, `{"market_id":1}`, "*ingestion.CancelMarket"},
		{ingestion.KindSweepFees, `{"market_id":1}`, "*ingestion.SweepFees"},
		{ingestion.KindExtendDeadline, `{"market_id":1,"extend_seconds":60}`, "*ingestion.ExtendDeadline"},
		{ingestion.KindSetBettingPaused, `{"market_id":1,"paused":true}`, "*ingestion.SetBettingPaused"},
		{ingestion.KindSetGlobalPause, `{"paused":false}`, "*ingestion.SetGlobalPause"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cmd, err := ingestion.ParseCommand(tt.kind, []byte(tt.body))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if cmd.Kind() != tt.kind {
				t.Errorf("kind: got %s, want %s", cmd.Kind(), tt.kind)
			}
			if got := fmt.Sprintf("%T", cmd); got != tt.want {
				t.Errorf("type: got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		kind string
		body string
	}{
		{"malformed json", ingestion.KindPlaceBet, `{"principal":`},
		{"missing principal", ingestion.KindRefund, `{"market_id":1}`},
		{"blank principal", ingestion.KindRefund, `{"principal":"  ","market_id":1}`},
		{"unknown kind", "liquidate", `{"principal":"bob"}`},
		{"missing outcome", ingestion.KindPlaceBet, `{"principal":"bob","market_id":1,"value":5}`},
		{"missing paused", ingestion.KindSetGlobalPause, `{"principal":"root"}`},
		{"negative market id", ingestion.KindRefund, `{"principal":"bob","market_id":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseRequest(tt.kind, []byte(tt.body))
			if !errors.Is(err, ingestion.ErrInvalidCommand) {
				t.Errorf("got %v, want ErrInvalidCommand", err)
			}
		})
	}
}

// ============================================================================
// Test: Processor
// ============================================================================

type settled struct {
	acks, naks, terms int
}

func (s *settled) wire(raw ingestion.RawCommand) ingestion.RawCommand {
	raw.AckFunc = func() { s.acks++ }
	raw.NakFunc = func() { s.naks++ }
	raw.TermFunc = func() { s.terms++ }
	return raw
}

func newProcessor(t *testing.T) (*ingestion.CommandProcessor, *core.Engine, chan core.CoreOutput) {
	t.Helper()
	out := make(chan core.CoreOutput, 64)
	eng := core.NewEngine(
		core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury(),
		core.WithClock(testutil.NewFakeClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))),
		core.WithOutputs(out, nil),
	)
	d := ingestion.NewDispatcher(eng, core.NewIdempotencyChecker(128, nil), nil, zerolog.Nop())
	return ingestion.NewCommandProcessor(d, nil, nil, zerolog.Nop()), eng, out
}

func TestProcessor_AppliesAndDeduplicates(t *testing.T) {
	cp, eng, out := newProcessor(t)
	ctx := context.Background()
	var s settled

	create := rawFromJSON(t, ingestion.KindCreateMarket, map[string]interface{}{
		"command_id": "create-1", "principal": "alice", "question": "q",
		"outcomes": []string{"a", "b"}, "duration_seconds": 60, "min_bet": 1, "max_bet": 10,
	})
	cp.Process(ctx, s.wire(create))
	cp.Process(ctx, s.wire(create))

	if s.acks != 2 || s.naks != 0 || s.terms != 0 {
		t.Errorf("settled: %+v, want 2 acks", s)
	}
	if eng.GetSequence() != 2 {
		t.Errorf("sequence: got %d, want 2 (one record)", eng.GetSequence())
	}

	o := <-out
	if o.Envelope.IdempotencyKey != "create-1" || o.Envelope.EventType != event.EventTypeMarketCreated {
		t.Errorf("envelope: key=%q type=%s", o.Envelope.IdempotencyKey, o.Envelope.EventType)
	}
}

func TestProcessor_RejectionIsAcked(t *testing.T) {
	cp, eng, _ := newProcessor(t)
	var s settled

	bet := rawFromJSON(t, ingestion.KindPlaceBet, map[string]interface{}{
		"command_id": "bet-1", "principal": "bob", "market_id": 9, "outcome": 0, "value": 5,
	})
	cp.Process(context.Background(), s.wire(bet))

	if s.acks != 1 || s.naks != 0 {
		t.Errorf("settled: %+v, want 1 ack", s)
	}
	if eng.GetSequence() != 1 {
		t.Errorf("sequence: got %d, want 1 (nothing emitted)", eng.GetSequence())
	}
}

func TestProcessor_InvalidIsTerminated(t *testing.T) {
	cp, _, _ := newProcessor(t)
	var s settled

	raw := ingestion.RawCommand{Subject: ingestion.CommandSubject("place_bet"), Data: []byte("not json")}
	cp.Process(context.Background(), s.wire(raw))

	if s.terms != 1 || s.acks != 0 {
		t.Errorf("settled: %+v, want 1 term", s)
	}
}

func TestProcessor_CanceledContextIsNaked(t *testing.T) {
	cp, _, _ := newProcessor(t)
	var s settled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	create := rawFromJSON(t, ingestion.KindCreateMarket, map[string]interface{}{
		"principal": "alice", "question": "q", "outcomes": []string{"a", "b"},
		"duration_seconds": 60, "min_bet": 1, "max_bet": 10,
	})
	cp.Process(ctx, s.wire(create))

	if s.naks != 1 {
		t.Errorf("settled: %+v, want 1 nak", s)
	}
}

func TestDispatcher_DuplicateError(t *testing.T) {
	eng := core.NewEngine(core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury())
	d := ingestion.NewDispatcher(eng, core.NewIdempotencyChecker(16, nil), nil, zerolog.Nop())

	req := &ingestion.Request{
		CommandID: "x",
		Principal: "alice",
		Command: &ingestion.CreateMarket{Spec: market.Spec{
			Question: "q", Outcomes: []string{"a", "b"}, Duration: time.Minute, MinBet: 1, MaxBet: 2,
		}},
	}
	res, err := d.Dispatch(context.Background(), req)
	if err != nil || res.MarketID != 1 {
		t.Fatalf("first dispatch: got %+v, %v", res, err)
	}
	if _, err := d.Dispatch(context.Background(), req); !errors.Is(err, ingestion.ErrDuplicate) {
		t.Errorf("second dispatch: got %v, want ErrDuplicate", err)
	}
	if ingestion.Retryable(ingestion.ErrDuplicate) {
		t.Error("duplicates must not be retried")
	}
}

// blockingLedger holds CreateMarket open until release is closed.
type blockingLedger struct {
	*core.Engine
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLedger) CreateMarket(ctx context.Context, caller market.Principal, spec market.Spec) (market.ID, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Engine.CreateMarket(ctx, caller, spec)
}

func TestDispatcher_InFlightKeyIsDuplicate(t *testing.T) {
	eng := core.NewEngine(core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury())
	bl := &blockingLedger{Engine: eng, entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := ingestion.NewDispatcher(bl, core.NewIdempotencyChecker(16, nil), nil, zerolog.Nop())

	req := &ingestion.Request{
		CommandID: "same",
		Principal: "alice",
		Command: &ingestion.CreateMarket{Spec: market.Spec{
			Question: "q", Outcomes: []string{"a", "b"}, Duration: time.Minute, MinBet: 1, MaxBet: 2,
		}},
	}

	first := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), req)
		first <- err
	}()
	<-bl.entered

	if _, err := d.Dispatch(context.Background(), req); !errors.Is(err, ingestion.ErrDuplicate) {
		t.Errorf("second delivery while first in flight: got %v, want ErrDuplicate", err)
	}

	close(bl.release)
	if err := <-first; err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if eng.GetSequence() != 2 {
		t.Errorf("sequence: got %d, want 2 (one market)", eng.GetSequence())
	}
}

func TestDispatcher_ConcurrentSameKeyAppliesOnce(t *testing.T) {
	eng := core.NewEngine(core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury())
	d := ingestion.NewDispatcher(eng, core.NewIdempotencyChecker(16, nil), nil, zerolog.Nop())

	const n = 32
	var wg sync.WaitGroup
	var applied, duplicates atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), &ingestion.Request{
				CommandID: "race",
				Principal: "alice",
				Command: &ingestion.CreateMarket{Spec: market.Spec{
					Question: "q", Outcomes: []string{"a", "b"}, Duration: time.Minute, MinBet: 1, MaxBet: 2,
				}},
			})
			switch {
			case err == nil:
				applied.Add(1)
			case errors.Is(err, ingestion.ErrDuplicate):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 || duplicates.Load() != n-1 {
		t.Errorf("applied=%d duplicates=%d, want 1 and %d", applied.Load(), duplicates.Load(), n-1)
	}
	if eng.GetSequence() != 2 {
		t.Errorf("sequence: got %d, want 2", eng.GetSequence())
	}
}

func TestDispatcher_RejectedKeyCanRetry(t *testing.T) {
	eng := core.NewEngine(core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury())
	d := ingestion.NewDispatcher(eng, core.NewIdempotencyChecker(16, nil), nil, zerolog.Nop())
	ctx := context.Background()

	bet := &ingestion.Request{
		CommandID: "bet-1",
		Principal: "bob",
		Command:   &ingestion.PlaceBet{MarketID: 1, Outcome: 0, Value: 1},
	}
	if _, err := d.Dispatch(ctx, bet); !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("bet before market: got %v, want ErrNotFound", err)
	}

	if _, err := eng.CreateMarket(ctx, "alice", market.Spec{
		Question: "q", Outcomes: []string{"a", "b"}, Duration: time.Minute, MinBet: 1, MaxBet: 2,
	}); err != nil {
		t.Fatal(err)
	}
	res, err := d.Dispatch(ctx, bet)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Sequence != 2 {
		t.Errorf("result sequence: got %d, want 2", res.Sequence)
	}
}

func TestDispatcher_ResultCarriesEmittedSequence(t *testing.T) {
	out := make(chan core.CoreOutput, 8)
	eng := core.NewEngine(core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury(),
		core.WithOutputs(out, nil))
	d := ingestion.NewDispatcher(eng, nil, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := d.Dispatch(ctx, &ingestion.Request{
			Principal: "alice",
			Command: &ingestion.CreateMarket{Spec: market.Spec{
				Question: "q", Outcomes: []string{"a", "b"}, Duration: time.Minute, MinBet: 1, MaxBet: 2,
			}},
		})
		if err != nil {
			t.Fatal(err)
		}
		o := <-out
		if res.Sequence != o.Envelope.Sequence || res.Sequence != int64(i) {
			t.Errorf("dispatch %d: got sequence %d, want %d", i, res.Sequence, o.Envelope.Sequence)
		}
	}
}

// ============================================================================
// Test: Outbound format
// ============================================================================

func TestEventSubject(t *testing.T) {
	env := &event.EventEnvelope{EventType: event.EventTypeBetPlaced, MarketID: 12}
	if got := ingestion.EventSubject(env); got != "predict.ledger.events.BetPlaced.12" {
		t.Errorf("got %s", got)
	}
	env = &event.EventEnvelope{EventType: event.EventTypeGlobalPauseSet}
	if got := ingestion.EventSubject(env); got != "predict.ledger.events.GlobalPauseSet.global" {
		t.Errorf("got %s", got)
	}
}

func TestToPublished(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:  3,
		EventID:   uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		EventType: event.EventTypeWinningsWithdrawn,
		MarketID:  1,
		Principal: "bob",
		Payload:   json.RawMessage(`{"amount":392}`),
		Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	env.StateHash[0] = 0xab

	p := ingestion.ToPublished(env)
	if p.EventType != "WinningsWithdrawn" || p.MarketID != 1 || p.Principal != "bob" {
		t.Errorf("got %+v", p)
	}
	if len(p.StateHash) != 64 || p.StateHash[:2] != "ab" {
		t.Errorf("state hash: got %s", p.StateHash)
	}
	if p.Timestamp != "2026-05-01T00:00:00Z" {
		t.Errorf("timestamp: got %s", p.Timestamp)
	}
}
