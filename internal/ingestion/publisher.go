package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream   = "PREDICT_LEDGER_EVENTS"
	OutboundSubjects = "predict.ledger.events.>"
)

// OutboundPublisher pushes outcome records to NATS for downstream
// consumers. Publishing is best effort: consumers that miss a record can
// read it from the event log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MarketID       uint64          `json:"market_id,omitempty"`
	Principal      string          `json:"principal"`
	Emergency      bool            `json:"emergency,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      string          `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(ToPublished(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}

// EventSubject is predict.ledger.events.{event_type}.{market_id}, with
// "global" in place of the market for platform-wide records.
func EventSubject(env *event.EventEnvelope) string {
	target := "global"
	if env.MarketID != 0 {
		target = strconv.FormatUint(uint64(env.MarketID), 10)
	}
	return fmt.Sprintf("predict.ledger.events.%s.%s", env.EventType, target)
}

// ToPublished converts an envelope into its outbound wire format.
func ToPublished(env *event.EventEnvelope) PublishedEvent {
	return PublishedEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       uint64(env.MarketID),
		Principal:      string(env.Principal),
		Emergency:      env.Emergency,
		Payload:        env.Payload,
		StateHash:      fmt.Sprintf("%x", env.StateHash),
		Timestamp:      env.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
