package ingestion

import (
	"context"
	"errors"
	"fmt"

	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ErrDuplicate is returned for a command whose id was already applied.
var ErrDuplicate = errors.New("duplicate command")

// Dispatcher applies requests to the ledger once per command id. Both the
// NATS processor and the HTTP API go through it.
type Dispatcher struct {
	ledger  Ledger
	idem    *core.IdempotencyChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(l Ledger, idem *core.IdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{ledger: l, idem: idem, metrics: metrics, logger: logger}
}

// Dispatch applies req. A request without a command id is never
// deduplicated. Rejected commands are not marked processed, so the same id
// may be retried once the rejection no longer applies. A second delivery
// arriving while the first is still being applied is a duplicate.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (Result, error) {
	kind := req.Command.Kind()

	if req.CommandID != "" && d.idem != nil {
		fresh, err := d.idem.Reserve(ctx, req.CommandID)
		if err != nil {
			d.count(kind, "dedupe_error")
			return Result{}, fmt.Errorf("idempotency check %s: %w", req.CommandID, err)
		}
		if !fresh {
			d.count(kind, "duplicate")
			return Result{}, fmt.Errorf("%w: %s", ErrDuplicate, req.CommandID)
		}
		ctx = core.WithIdempotencyKey(ctx, req.CommandID)
	}

	ctx, sequence := core.WithSequenceCapture(ctx)
	res, err := req.Command.Apply(ctx, d.ledger, req.Principal)
	if req.CommandID != "" && d.idem != nil {
		d.idem.Release(req.CommandID, err == nil)
	}
	if err != nil {
		d.count(kind, core.Reason(err))
		return res, err
	}

	res.Sequence = sequence()
	d.count(kind, "applied")
	return res, nil
}

func (d *Dispatcher) count(kind, result string) {
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(kind, result).Inc()
	}
}

// Retryable reports whether a failed command may succeed on redelivery.
func Retryable(err error) bool {
	switch core.Reason(err) {
	case "timeout", "canceled", "internal":
		return !errors.Is(err, ErrDuplicate) && !errors.Is(err, ErrInvalidCommand)
	default:
		return false
	}
}

// CommandProcessor drains raw commands from the subscriber, applies them
// and settles each message with ACK, NAK or TERM.
type CommandProcessor struct {
	dispatcher *Dispatcher
	inputChan  <-chan RawCommand
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewCommandProcessor(d *Dispatcher, inputChan <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *CommandProcessor {
	return &CommandProcessor{dispatcher: d, inputChan: inputChan, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled or the input channel is closed.
func (cp *CommandProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-cp.inputChan:
			if !ok {
				return nil
			}
			cp.Process(ctx, raw)
		}
	}
}

// Process handles one message.
func (cp *CommandProcessor) Process(ctx context.Context, raw RawCommand) {
	kind := KindFromSubject(raw.Subject)

	req, err := ParseRequest(kind, raw.Data)
	if err != nil {
		if cp.metrics != nil {
			cp.metrics.CommandsInvalid.Inc()
		}
		cp.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping invalid command")
		settle(raw.TermFunc)
		return
	}

	res, err := cp.dispatcher.Dispatch(ctx, req)
	switch {
	case err == nil:
		cp.logger.Debug().
			Str("kind", kind).
			Str("command_id", req.CommandID).
			Uint64("market_id", uint64(res.MarketID)).
			Int64("amount", res.Amount).
			Msg("command applied")
		settle(raw.AckFunc)
	case Retryable(err):
		cp.logger.Warn().Err(err).Str("kind", kind).Str("command_id", req.CommandID).Msg("command failed, will redeliver")
		settle(raw.NakFunc)
	default:
		cp.logger.Info().Err(err).Str("kind", kind).Str("command_id", req.CommandID).Msg("command rejected")
		settle(raw.AckFunc)
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
