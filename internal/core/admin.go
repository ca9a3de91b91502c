package core

import (
	"context"
	"fmt"
	"time"

	"PredictLedger/internal/event"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/store"
)

// IsAdmin reports whether p is a configured admin principal.
func (e *Engine) IsAdmin(p market.Principal) bool {
	_, ok := e.admins[p]
	return ok
}

func (e *Engine) requireAdmin(p market.Principal) error {
	if !e.IsAdmin(p) {
		return fmt.Errorf("%w: %s is not an admin", market.ErrUnauthorized, p)
	}
	return nil
}

// EmergencyResolve resolves a market through the admin override. It skips
// the creator and deadline checks and flags the outcome record.
func (e *Engine) EmergencyResolve(ctx context.Context, caller market.Principal, id market.ID, outcome int) (err error) {
	const op = "emergency_resolve"
	defer e.observe(op, caller, id, time.Now(), &err)

	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.resolve(ctx, caller, id, outcome, true)
}

// SetGlobalPause blocks or unblocks market creation, stake placement,
// cancellation and deadline extension platform-wide. Withdrawal, refund and
// resolution are never blocked. It waits for blocked-kind operations already
// admitted, so none of them lands after it returns.
func (e *Engine) SetGlobalPause(ctx context.Context, caller market.Principal, paused bool) (err error) {
	const op = "set_global_pause"
	defer e.observe(op, caller, 0, time.Now(), &err)

	if err := e.requireAdmin(caller); err != nil {
		return err
	}

	e.pauseGate.Lock()
	defer e.pauseGate.Unlock()

	unlock, err := e.lock(ctx, store.KeyAdmin)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := e.records.GetAdmin(ctx)
	if err != nil {
		return err
	}
	st.Paused = paused
	if err := e.records.PutAdmin(ctx, st); err != nil {
		return err
	}

	e.emit(ctx, caller, e.clock.Now(), &event.GlobalPauseSet{By: caller, Paused: paused}, nil)
	return nil
}

// SweepFees moves a resolved market's platform fee to the fee account. Each
// market is swept at most once.
func (e *Engine) SweepFees(ctx context.Context, caller market.Principal, id market.ID) (amount int64, err error) {
	const op = "sweep_fees"
	defer e.observe(op, caller, id, time.Now(), &err)

	if err := e.requireAdmin(caller); err != nil {
		return 0, err
	}

	err = e.withMarket(ctx, id, func(m *market.Market, now time.Time) error {
		if err := m.CanSweepFee(); err != nil {
			return err
		}

		orig := m.Clone()
		fee := m.SweepFee(e.feePercent)
		if err := e.commit(ctx, m); err != nil {
			return err
		}

		var batch *ledger.Batch
		if fee > 0 {
			ref := fmt.Sprintf("sweep:%d", id)
			b, serr := e.vault.SweepFee(ctx, id, fee, ref, now)
			if serr != nil {
				return e.rollbackTransfer(ctx, orig, serr)
			}
			batch = b
		}

		e.settle(op, id, caller, e.addSweptFee(ctx, fee))
		e.checkBacking(op, m)

		e.emit(ctx, caller, now, &event.FeesSwept{Market: id, By: caller, Amount: fee}, batch)
		if e.metrics != nil {
			e.metrics.FeesSwept.Add(float64(fee))
		}
		amount = fee
		return nil
	})
	return amount, err
}

func (e *Engine) addSweptFee(ctx context.Context, fee int64) error {
	unlock, err := e.locker.Lock(ctx, store.KeyAdmin)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := e.records.GetAdmin(ctx)
	if err != nil {
		return err
	}
	st.FeesSwept += fee
	st.SweptCount++
	return e.records.PutAdmin(ctx, st)
}
