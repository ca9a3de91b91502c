package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/store"
	"PredictLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: JetStream round trip (integration)
// ============================================================================

func TestNATS_CommandInRecordOut(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	publish := make(chan core.CoreOutput, 16)
	eng := core.NewEngine(core.Config{FeePercent: 2},
		store.NewRecords(store.NewMemory()), store.NewKeyedMutex(), ledger.NewTreasury(),
		core.WithOutputs(nil, publish))

	raw := make(chan ingestion.RawCommand, 16)
	sub := ingestion.NewCommandSubscriber(js, raw, zerolog.Nop())
	if err := sub.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	d := ingestion.NewDispatcher(eng, core.NewIdempotencyChecker(16, nil), nil, zerolog.Nop())
	go func() { _ = ingestion.NewCommandProcessor(d, raw, nil, zerolog.Nop()).Run(ctx) }()
	go func() { _ = ingestion.NewOutboundPublisher(js, publish, zerolog.Nop()).Run(ctx) }()

	cons, err := js.OrderedConsumer(ctx, ingestion.OutboundStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{"predict.ledger.events.MarketCreated.>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		t.Fatalf("ordered consumer: %v", err)
	}

	cmdID := uuid.NewString()
	body, _ := json.Marshal(map[string]interface{}{
		"command_id": cmdID, "principal": "alice", "question": "integration?",
		"outcomes": []string{"yes", "no"}, "duration_seconds": 60, "min_bet": 1, "max_bet": 10,
	})
	if _, err := js.Publish(ctx, ingestion.CommandSubject(ingestion.KindCreateMarket), body); err != nil {
		t.Fatalf("publish command: %v", err)
	}

	for {
		msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
		if err != nil {
			t.Fatalf("no outbound record: %v", err)
		}
		var p ingestion.PublishedEvent
		if err := json.Unmarshal(msg.Data(), &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.IdempotencyKey == cmdID {
			if p.EventType != "MarketCreated" || p.Principal != "alice" {
				t.Errorf("record: %+v", p)
			}
			return
		}
	}
}
