package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"PredictLedger/internal/market"
)

// Record keys. Each key is also the lock key guarding its read-modify-write.
const (
	KeyMarketCounter = "market:counter"
	KeyCategories    = "registry:categories"
	KeyParticipants  = "registry:participants"
	KeyAdmin         = "admin:state"
)

func MarketKey(id market.ID) string {
	return "market:" + id.String()
}

func UserKey(p market.Principal) string {
	return "user:" + string(p)
}

// Records is a typed view over a KV. It holds no state of its own; every
// call goes to the underlying store.
type Records struct {
	kv KV
}

func NewRecords(kv KV) *Records {
	return &Records{kv: kv}
}

func (r *Records) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *Records) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.kv.Put(ctx, key, data)
}

// MarketCount returns the highest assigned market id (0 if none).
func (r *Records) MarketCount(ctx context.Context) (market.ID, error) {
	data, err := r.kv.Get(ctx, KeyMarketCounter)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", KeyMarketCounter, err)
	}
	return market.ID(n), nil
}

// SetMarketCount stores the counter. Callers hold the KeyMarketCounter lock.
func (r *Records) SetMarketCount(ctx context.Context, id market.ID) error {
	return r.kv.Put(ctx, KeyMarketCounter, []byte(id.String()))
}

// GetMarket returns market.ErrNotFound for ids that were never assigned.
func (r *Records) GetMarket(ctx context.Context, id market.ID) (*market.Market, error) {
	var m market.Market
	err := r.getJSON(ctx, MarketKey(id), &m)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", market.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if m.Bets == nil {
		m.Bets = make(map[market.Principal][]int64)
	}
	return &m, nil
}

func (r *Records) PutMarket(ctx context.Context, m *market.Market) error {
	return r.putJSON(ctx, MarketKey(m.ID), m)
}

// GetUser returns an empty account for principals never seen.
func (r *Records) GetUser(ctx context.Context, p market.Principal) (*market.UserAccount, error) {
	acct := market.UserAccount{Principal: p}
	err := r.getJSON(ctx, UserKey(p), &acct)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if acct.History == nil {
		acct.History = []market.ID{}
	}
	return &acct, nil
}

func (r *Records) PutUser(ctx context.Context, acct *market.UserAccount) error {
	return r.putJSON(ctx, UserKey(acct.Principal), acct)
}

func (r *Records) GetCategories(ctx context.Context) (*market.CategoryRegistry, error) {
	var reg market.CategoryRegistry
	if err := r.getJSON(ctx, KeyCategories, &reg); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &reg, nil
}

func (r *Records) PutCategories(ctx context.Context, reg *market.CategoryRegistry) error {
	return r.putJSON(ctx, KeyCategories, reg)
}

func (r *Records) GetParticipants(ctx context.Context) (*market.ParticipantRegistry, error) {
	var reg market.ParticipantRegistry
	if err := r.getJSON(ctx, KeyParticipants, &reg); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &reg, nil
}

func (r *Records) PutParticipants(ctx context.Context, reg *market.ParticipantRegistry) error {
	return r.putJSON(ctx, KeyParticipants, reg)
}

func (r *Records) GetAdmin(ctx context.Context) (*market.AdminState, error) {
	var st market.AdminState
	if err := r.getJSON(ctx, KeyAdmin, &st); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &st, nil
}

func (r *Records) PutAdmin(ctx context.Context, st *market.AdminState) error {
	return r.putJSON(ctx, KeyAdmin, st)
}
