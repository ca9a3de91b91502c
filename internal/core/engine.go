package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PredictLedger/internal/event"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Clock is the wall-clock source. Lifecycle decisions compare stored
// deadlines against Now at call time; nothing runs on a timer.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Vault moves value in and out of market pools. Transfers are atomic and
// irreversible once they return nil.
type Vault interface {
	Deposit(ctx context.Context, id market.ID, from market.Principal, amount int64, ref string, ts time.Time) (*ledger.Batch, error)
	Transfer(ctx context.Context, id market.ID, to market.Principal, amount int64, jt ledger.JournalType, ref string, ts time.Time) (*ledger.Batch, error)
	SweepFee(ctx context.Context, id market.ID, amount int64, ref string, ts time.Time) (*ledger.Batch, error)
}

// CoreOutput is one emitted outcome record with the journal batch it moved
// (nil for operations that move no value).
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

type Config struct {
	FeePercent int64
	Admins     []market.Principal

	// LockTimeout bounds the wait for each exclusive section. Zero waits
	// until the caller's context is done.
	LockTimeout time.Duration
}

// Engine applies market operations against the ledger store. Each operation
// runs inside the exclusive section of the records it touches; operations on
// different markets proceed in parallel.
type Engine struct {
	feePercent  int64
	admins      map[market.Principal]struct{}
	lockTimeout time.Duration

	records   *store.Records
	locker    store.Locker
	vault     Vault
	validator *ledger.InvariantValidator
	clock     Clock

	// pauseGate is held shared by every operation the global pause blocks
	// and exclusively by SetGlobalPause.
	pauseGate sync.RWMutex

	// emitMu orders sequence assignment and the hash chain.
	emitMu   sync.Mutex
	sequence int64
	hasher   *StateHasher

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput

	metrics *observability.Metrics
	logger  zerolog.Logger
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithValidator enables the post-operation pool backing check.
func WithValidator(v *ledger.InvariantValidator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithOutputs sets the persist (blocking) and publish (drop on full) channels.
func WithOutputs(persist, publish chan<- CoreOutput) Option {
	return func(e *Engine) {
		e.persistChan = persist
		e.publishChan = publish
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithChainTip resumes sequencing after the last persisted record.
func WithChainTip(sequence int64, prevHash [32]byte) Option {
	return func(e *Engine) {
		e.sequence = sequence
		e.hasher = NewStateHasherFrom(prevHash)
	}
}

func NewEngine(cfg Config, records *store.Records, locker store.Locker, vault Vault, opts ...Option) *Engine {
	admins := make(map[market.Principal]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = struct{}{}
	}

	e := &Engine{
		feePercent:  cfg.FeePercent,
		admins:      admins,
		lockTimeout: cfg.LockTimeout,
		records:     records,
		locker:      locker,
		vault:       vault,
		clock:       SystemClock{},
		sequence:    1,
		hasher:      NewStateHasher(),
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FeePercent returns the configured platform fee.
func (e *Engine) FeePercent() int64 {
	return e.feePercent
}

// Now exposes the engine clock to read-side callers.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// GetSequence returns the sequence the next record will carry.
func (e *Engine) GetSequence() int64 {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	return e.sequence
}

// GetStateHash returns the chain tip.
func (e *Engine) GetStateHash() [32]byte {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	return e.hasher.GetPrevHash()
}

// ============================================================================
// Operations
// ============================================================================

// CreateMarket allocates the next id and stores a new Open market.
func (e *Engine) CreateMarket(ctx context.Context, caller market.Principal, spec market.Spec) (id market.ID, err error) {
	const op = "create_market"
	defer e.observe(op, caller, 0, time.Now(), &err)

	if err := spec.Validate(); err != nil {
		return 0, err
	}
	leave, err := e.enterUnpaused(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	unlock, err := e.lock(ctx, store.KeyMarketCounter)
	if err != nil {
		return 0, err
	}
	defer unlock()

	last, err := e.records.MarketCount(ctx)
	if err != nil {
		return 0, err
	}
	id = last + 1
	now := e.clock.Now()
	m := spec.Build(id, caller, now)

	// Counter first: a crash between the two writes leaves a gap, never a
	// reused id.
	if err := e.records.SetMarketCount(ctx, id); err != nil {
		return 0, err
	}
	if err := e.records.PutMarket(ctx, m); err != nil {
		return 0, err
	}
	if err := e.addCategory(ctx, m.Category); err != nil {
		return 0, err
	}

	e.emit(ctx, caller, now, &event.MarketCreated{
		Market:   id,
		Creator:  caller,
		Question: m.Question,
		Outcomes: m.Outcomes,
		Category: m.Category,
		MinBet:   m.MinBet,
		MaxBet:   m.MaxBet,
		Deadline: m.Deadline,
	}, nil)
	if e.metrics != nil {
		e.metrics.MarketsCreated.Inc()
	}
	return id, nil
}

// PlaceBet adds value to the caller's stake on one outcome.
func (e *Engine) PlaceBet(ctx context.Context, caller market.Principal, id market.ID, outcome int, value int64) (err error) {
	const op = "place_bet"
	defer e.observe(op, caller, id, time.Now(), &err)

	leave, err := e.enterUnpaused(ctx)
	if err != nil {
		return err
	}
	defer leave()

	return e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanStake(now, outcome, value); err != nil {
			return err
		}

		orig := m.Clone()
		firstTouch := m.Stake(caller, outcome, value)
		if err := e.commit(ctx, m); err != nil {
			return err
		}

		ref := fmt.Sprintf("bet:%d:%s", id, caller)
		batch, err := e.vault.Deposit(ctx, id, caller, value, ref, now)
		if err != nil {
			// Nothing moved; put the record back.
			if rerr := e.records.PutMarket(ctx, orig); rerr != nil {
				return errors.Join(err, rerr)
			}
			return err
		}

		if firstTouch {
			e.settle(op, id, caller, e.recordParticipation(ctx, caller, id))
		}
		e.checkBacking(op, m)

		e.emit(ctx, caller, now, &event.BetPlaced{
			Market:     id,
			Principal:  caller,
			Outcome:    outcome,
			Amount:     value,
			TotalBet:   m.BetOf(caller, outcome),
			FirstStake: firstTouch,
		}, batch)
		if e.metrics != nil {
			e.metrics.ValueStaked.Add(float64(value))
		}
		return nil
	})
}

// ResolveMarket fixes the winning outcome. Creator only, once the deadline
// has passed.
func (e *Engine) ResolveMarket(ctx context.Context, caller market.Principal, id market.ID, outcome int) (err error) {
	const op = "resolve_market"
	defer e.observe(op, caller, id, time.Now(), &err)

	return e.resolve(ctx, caller, id, outcome, false)
}

func (e *Engine) resolve(ctx context.Context, caller market.Principal, id market.ID, outcome int, emergency bool) error {
	return e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanResolve(caller, now, outcome, emergency); err != nil {
			return err
		}
		m.Resolve(outcome, emergency, now)
		if err := e.commit(ctx, m); err != nil {
			return err
		}

		e.emit(ctx, caller, now, &event.MarketResolved{
			Market:         id,
			ResolvedBy:     caller,
			WinningOutcome: outcome,
			TotalPool:      m.TotalPool,
			WinningPool:    m.OptionPools[outcome],
			Emergency:      emergency,
		}, nil)
		return nil
	})
}

// WithdrawWinnings pays the caller's share of a resolved market. The stored
// bet is cleared and written before any value moves, so a repeat call finds
// nothing and fails with ErrNoWinnings.
func (e *Engine) WithdrawWinnings(ctx context.Context, caller market.Principal, id market.ID) (payout int64, err error) {
	const op = "withdraw_winnings"
	defer e.observe(op, caller, id, time.Now(), &err)

	err = e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanWithdraw(); err != nil {
			return err
		}

		orig := m.Clone()
		stake, share, err := m.Claim(caller, e.feePercent)
		if err != nil {
			return err
		}
		if err := e.commit(ctx, m); err != nil {
			return err
		}

		var batch *ledger.Batch
		if share > 0 {
			ref := fmt.Sprintf("withdraw:%d:%s", id, caller)
			batch, err = e.vault.Transfer(ctx, id, caller, share, ledger.JournalTypePayout, ref, now)
			if err != nil {
				return e.rollbackTransfer(ctx, orig, err)
			}
		}

		e.settle(op, id, caller, e.updateUser(ctx, caller, func(u *market.UserAccount) {
			u.Winnings += share
			u.WinCount++
		}))
		e.checkBacking(op, m)

		e.emit(ctx, caller, now, &event.WinningsWithdrawn{
			Market:    id,
			Principal: caller,
			Stake:     stake,
			Payout:    share,
		}, batch)
		if e.metrics != nil {
			e.metrics.ValuePaidOut.Add(float64(share))
		}
		payout = share
		return nil
	})
	return payout, err
}

// Refund returns the caller's full stake across every outcome of an expired,
// unresolved market. No fee is taken.
func (e *Engine) Refund(ctx context.Context, caller market.Principal, id market.ID) (amount int64, err error) {
	const op = "refund"
	defer e.observe(op, caller, id, time.Now(), &err)

	err = e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanRefund(now); err != nil {
			return err
		}

		orig := m.Clone()
		total, perOutcome, err := m.RefundAll(caller)
		if err != nil {
			return err
		}
		if err := e.commit(ctx, m); err != nil {
			return err
		}

		ref := fmt.Sprintf("refund:%d:%s", id, caller)
		batch, err := e.vault.Transfer(ctx, id, caller, total, ledger.JournalTypeRefund, ref, now)
		if err != nil {
			return e.rollbackTransfer(ctx, orig, err)
		}

		e.settle(op, id, caller, e.updateUser(ctx, caller, func(u *market.UserAccount) {
			u.Refunded += total
		}))
		e.checkBacking(op, m)

		e.emit(ctx, caller, now, &event.Refunded{
			Market:     id,
			Principal:  caller,
			Amount:     total,
			PerOutcome: perOutcome,
		}, batch)
		if e.metrics != nil {
			e.metrics.ValueRefunded.Add(float64(total))
		}
		amount = total
		return nil
	})
	return amount, err
}

// CancelMarket withdraws an Open market that holds no stake.
func (e *Engine) CancelMarket(ctx context.Context, caller market.Principal, id market.ID) (err error) {
	const op = "cancel_market"
	defer e.observe(op, caller, id, time.Now(), &err)

	leave, err := e.enterUnpaused(ctx)
	if err != nil {
		return err
	}
	defer leave()

	return e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanCancel(caller, now); err != nil {
			return err
		}
		m.Cancel()
		if err := e.commit(ctx, m); err != nil {
			return err
		}
		e.emit(ctx, caller, now, &event.MarketCancelled{Market: id, By: caller}, nil)
		return nil
	})
}

// ExtendDeadline pushes an Open market's deadline out by a positive duration.
func (e *Engine) ExtendDeadline(ctx context.Context, caller market.Principal, id market.ID, by time.Duration) (err error) {
	const op = "extend_deadline"
	defer e.observe(op, caller, id, time.Now(), &err)

	leave, err := e.enterUnpaused(ctx)
	if err != nil {
		return err
	}
	defer leave()

	return e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanExtend(caller, now, by); err != nil {
			return err
		}
		m.Extend(by)
		if err := e.commit(ctx, m); err != nil {
			return err
		}
		e.emit(ctx, caller, now, &event.DeadlineExtended{
			Market:      id,
			ExtendedBy:  by,
			NewDeadline: m.Deadline,
		}, nil)
		return nil
	})
}

// SetBettingPaused toggles stake placement on one market.
func (e *Engine) SetBettingPaused(ctx context.Context, caller market.Principal, id market.ID, paused bool) (err error) {
	const op = "set_betting_paused"
	defer e.observe(op, caller, id, time.Now(), &err)

	return e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanTogglePause(caller); err != nil {
			return err
		}
		m.SetPaused(paused)
		if err := e.commit(ctx, m); err != nil {
			return err
		}
		e.emit(ctx, caller, now, &event.BettingPaused{Market: id, Paused: paused}, nil)
		return nil
	})
}

// ============================================================================
// Helpers
// ============================================================================

// lock enters an outermost exclusive section for key. The timeout applies
// to the wait only; the section itself runs under the caller's context.
// Sections nested inside one (user, registries, admin totals) go through the
// locker directly and wait on the caller's context.
func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	if e.lockTimeout <= 0 {
		return e.locker.Lock(ctx, key)
	}
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	return e.locker.Lock(lctx, key)
}

// withMarket runs fn inside the market's exclusive section with a freshly
// read record. The clock is read once, after the lock is held.
func (e *Engine) withMarket(ctx context.Context, id market.ID, fn func(m *market.Market, now time.Time) error) error {
	unlock, err := e.lock(ctx, store.MarketKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	m, err := e.records.GetMarket(ctx, id)
	if err != nil {
		return err
	}
	return fn(m, e.clock.Now())
}

// commit checks the record's pool bookkeeping and writes it.
func (e *Engine) commit(ctx context.Context, m *market.Market) error {
	if err := m.CheckInvariants(); err != nil {
		return err
	}
	return e.records.PutMarket(ctx, m)
}

// rollbackTransfer restores the pre-claim record after a failed payout.
// A failed Transfer moved nothing, so the stake is still owed.
func (e *Engine) rollbackTransfer(ctx context.Context, orig *market.Market, cause error) error {
	if errors.Is(cause, ledger.ErrInsufficientPool) {
		cause = fmt.Errorf("%w: %w", market.ErrInvariant, cause)
	}
	if err := e.records.PutMarket(ctx, orig); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// checkBacking compares the market's pool account with its record once the
// value has moved. The operation has already taken effect, so a mismatch is
// reported through the log and the invariant counter rather than returned.
func (e *Engine) checkBacking(op string, m *market.Market) {
	if e.validator == nil {
		return
	}
	if err := e.validator.ValidatePoolBacking(m, e.feePercent); err != nil {
		e.logger.Error().Err(err).Str("op", op).Uint64("market_id", uint64(m.ID)).Msg("pool backing check failed")
		if e.metrics != nil {
			e.metrics.InvariantFails.Inc()
		}
	}
}

// settle reports a failed user or registry write that followed a completed
// transfer. The market record and the journal already agree, so the
// operation stands and the secondary record is left for repair.
func (e *Engine) settle(op string, id market.ID, p market.Principal, err error) {
	if err == nil {
		return
	}
	e.logger.Error().Err(err).Str("op", op).Uint64("market_id", uint64(id)).
		Str("principal", string(p)).Msg("secondary record write failed after transfer")
	if e.metrics != nil {
		e.metrics.SettleFailures.WithLabelValues(op).Inc()
	}
}

// enterUnpaused admits an operation the global pause blocks. The gate stays
// held shared until leave is called, so SetGlobalPause cannot return while
// an admitted operation is still running.
func (e *Engine) enterUnpaused(ctx context.Context) (leave func(), err error) {
	e.pauseGate.RLock()
	if err := e.checkGlobalPause(ctx); err != nil {
		e.pauseGate.RUnlock()
		return nil, err
	}
	return e.pauseGate.RUnlock, nil
}

func (e *Engine) checkGlobalPause(ctx context.Context) error {
	st, err := e.records.GetAdmin(ctx)
	if err != nil {
		return err
	}
	if st.Paused {
		return fmt.Errorf("%w: platform paused", market.ErrInvalidState)
	}
	return nil
}

func (e *Engine) addCategory(ctx context.Context, label string) error {
	unlock, err := e.locker.Lock(ctx, store.KeyCategories)
	if err != nil {
		return err
	}
	defer unlock()

	reg, err := e.records.GetCategories(ctx)
	if err != nil {
		return err
	}
	reg.Add(label)
	return e.records.PutCategories(ctx, reg)
}

// recordParticipation appends the market to the caller's history and adds
// the caller to the global participant set.
func (e *Engine) recordParticipation(ctx context.Context, p market.Principal, id market.ID) error {
	if err := e.updateUser(ctx, p, func(u *market.UserAccount) {
		u.History = append(u.History, id)
	}); err != nil {
		return err
	}

	unlock, err := e.locker.Lock(ctx, store.KeyParticipants)
	if err != nil {
		return err
	}
	defer unlock()

	reg, err := e.records.GetParticipants(ctx)
	if err != nil {
		return err
	}
	if !reg.Register(p) {
		return nil
	}
	return e.records.PutParticipants(ctx, reg)
}

func (e *Engine) updateUser(ctx context.Context, p market.Principal, fn func(u *market.UserAccount)) error {
	unlock, err := e.locker.Lock(ctx, store.UserKey(p))
	if err != nil {
		return err
	}
	defer unlock()

	acct, err := e.records.GetUser(ctx, p)
	if err != nil {
		return err
	}
	fn(acct)
	return e.records.PutUser(ctx, acct)
}

// emit sequences, hashes and hands off one outcome record. The persist
// channel uses a blocking send (backpressure); the publish channel drops on
// full, since subscribers can catch up from the event log.
func (e *Engine) emit(ctx context.Context, caller market.Principal, now time.Time, evt event.Event, batch *ledger.Batch) {
	payload, err := json.Marshal(evt)
	if err != nil {
		// Event structs contain only marshalable fields.
		panic(fmt.Sprintf("FATAL: marshal %T: %v", evt, err))
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	env := &event.EventEnvelope{
		Sequence:       e.sequence,
		EventID:        uuid.New(),
		IdempotencyKey: IdempotencyKeyFrom(ctx),
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Principal:      caller,
		Emergency:      event.Emergency(evt),
		Timestamp:      now,
		Payload:        payload,
		PrevHash:       e.hasher.GetPrevHash(),
	}
	env.StateHash = e.hasher.ComputeHash(env.Sequence, StateDigest(env, batch))
	e.sequence++
	captureSequence(ctx, env.Sequence)

	out := CoreOutput{Envelope: env, Batch: batch}
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(e.sequence))
	}
}

// observe records the outcome of one operation.
func (e *Engine) observe(op string, caller market.Principal, id market.ID, start time.Time, errp *error) {
	err := *errp
	if err == nil {
		e.logger.Debug().Str("op", op).Str("principal", string(caller)).Uint64("market_id", uint64(id)).Msg("applied")
		if e.metrics != nil {
			e.metrics.OpsApplied.WithLabelValues(op).Inc()
			e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
		return
	}

	reason := Reason(err)
	if reason == "invariant" {
		e.logger.Error().Err(err).Str("op", op).Uint64("market_id", uint64(id)).Msg("invariant check failed")
		if e.metrics != nil {
			e.metrics.InvariantFails.Inc()
		}
	} else {
		e.logger.Info().Err(err).Str("op", op).Str("principal", string(caller)).
			Uint64("market_id", uint64(id)).Str("reason", reason).Msg("rejected")
	}
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

// Reason maps an error to a short label for metrics and transport.
func Reason(err error) string {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return "not_found"
	case errors.Is(err, market.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, market.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, market.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, market.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, market.ErrNoWinnings):
		return "no_winnings"
	case errors.Is(err, market.ErrNoBets):
		return "no_bets"
	case errors.Is(err, market.ErrInvariant):
		return "invariant"
	case errors.Is(err, store.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
