package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/query"
	"PredictLedger/internal/server"
	"PredictLedger/internal/store"
	"PredictLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	handler http.Handler
	clock   *testutil.FakeClock
	eng     *core.Engine
	health  *observability.HealthChecker
	snaps   *countingSnapshotter
}

type countingSnapshotter struct {
	taken atomic.Int64
}

func (c *countingSnapshotter) TakeSnapshot(context.Context) error {
	c.taken.Add(1)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	recs := store.NewRecords(store.NewMemory())
	treasury := ledger.NewTreasury()
	clock := testutil.NewFakeClock(t0)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	eng := core.NewEngine(core.Config{FeePercent: 2, Admins: []market.Principal{"root"}},
		recs, store.NewKeyedMutex(), treasury, core.WithClock(clock))

	health := observability.NewHealthChecker()
	health.SetReady(true)
	snaps := &countingSnapshotter{}

	gw, err := server.NewHTTPGateway(":0", &server.Deps{
		Dispatcher: ingestion.NewDispatcher(eng, core.NewIdempotencyChecker(100, nil), metrics, zerolog.Nop()),
		Admins:     eng,
		Queries:    query.NewQueryService(recs, eng, treasury.Tracker(), nil, 10, 5),
		Chain:      eng,
		Snapshots:  snaps,
		Health:     health,
		Metrics:    metrics,
		Logger:     zerolog.Nop(),
		StartTime:  t0,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return &fixture{handler: gw.Handler(), clock: clock, eng: eng, health: health, snaps: snaps}
}

func (f *fixture) do(t *testing.T, method, path, principal, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(server.PrincipalHeader, principal)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const createBody = `{"question":"rain?","outcomes":["yes","no"],"category":"weather",
	"duration_seconds":3600,"min_bet":1,"max_bet":1000}`

// ============================================================================
// Test: Full market lifecycle over HTTP
// ============================================================================

func TestGateway_MarketLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/v1/markets", "alice", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	var created server.CommandResponse
	decode(t, rec, &created)
	if created.MarketID != 1 || created.Sequence != 1 {
		t.Errorf("create response: %+v", created)
	}

	if rec := f.do(t, "POST", "/v1/markets/1/bets", "bob", `{"outcome":0,"value":300}`); rec.Code != http.StatusOK {
		t.Fatalf("bob bet: got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "POST", "/v1/markets/1/bets", "carol", `{"outcome":1,"value":700}`); rec.Code != http.StatusOK {
		t.Fatalf("carol bet: got %d (%s)", rec.Code, rec.Body.String())
	}

	var pools query.PoolsResponse
	decode(t, f.do(t, "GET", "/v1/markets/1/pools", "", ""), &pools)
	if pools.TotalPool != 1000 || pools.Outcomes[0].BasisPoints != 3000 {
		t.Errorf("pools: %+v", pools)
	}

	f.clock.Advance(2 * time.Hour)

	if rec := f.do(t, "POST", "/v1/markets/1/resolve", "alice", `{"outcome":0}`); rec.Code != http.StatusOK {
		t.Fatalf("resolve: got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "POST", "/v1/markets/1/withdraw", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw: got %d (%s)", rec.Code, rec.Body.String())
	}
	var paid server.CommandResponse
	decode(t, rec, &paid)
	if paid.Amount != 980 {
		t.Errorf("payout: got %d, want 980", paid.Amount)
	}

	var user query.UserResponse
	decode(t, f.do(t, "GET", "/v1/users/bob", "", ""), &user)
	if user.Winnings != 980 || user.WinCount != 1 {
		t.Errorf("user: %+v", user)
	}

	var board query.LeaderboardResponse
	decode(t, f.do(t, "GET", "/v1/leaderboard?k=1", "", ""), &board)
	if len(board.Entries) != 1 || board.Entries[0].Principal != "bob" {
		t.Errorf("leaderboard: %+v", board)
	}

	var listed []query.MarketSummary
	decode(t, f.do(t, "GET", "/v1/markets?state=resolved", "", ""), &listed)
	if len(listed) != 1 || listed[0].ID != 1 {
		t.Errorf("resolved listing: %+v", listed)
	}
}

// ============================================================================
// Test: Error mapping
// ============================================================================

func TestGateway_ErrorStatuses(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "POST", "/v1/markets", "alice", createBody); rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}

	tests := []struct {
		name      string
		method    string
		path      string
		principal string
		body      string
		want      int
	}{
		{"missing principal", "POST", "/v1/markets/1/bets", "", `{"outcome":0,"value":5}`, http.StatusUnauthorized},
		{"malformed body", "POST", "/v1/markets/1/bets", "bob", `{"outcome":`, http.StatusBadRequest},
		{"missing outcome", "POST", "/v1/markets/1/bets", "bob", `{"value":5}`, http.StatusBadRequest},
		{"bad market id", "POST", "/v1/markets/zero/bets", "bob", `{"outcome":0,"value":5}`, http.StatusBadRequest},
		{"unknown market", "GET", "/v1/markets/9", "", "", http.StatusNotFound},
		{"stake out of range", "POST", "/v1/markets/1/bets", "bob", `{"outcome":0,"value":5000}`, http.StatusBadRequest},
		{"not creator", "POST", "/v1/markets/1/cancel", "mallory", "", http.StatusForbidden},
		{"not admin", "POST", "/v1/admin/pause", "mallory", `{"paused":true}`, http.StatusForbidden},
		{"resolve before deadline", "POST", "/v1/markets/1/resolve", "alice", `{"outcome":0}`, http.StatusBadRequest},
		{"bad phase", "GET", "/v1/markets?state=sideways", "", "", http.StatusBadRequest},
		{"journal without event log", "GET", "/v1/users/bob/journal", "", "", http.StatusNotImplemented},
		{"snapshots not configured", "POST", "/v1/admin/snapshots", "root", "", http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.principal, tt.body)
			if rec.Code != tt.want {
				t.Errorf("got %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGateway_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/markets", "alice", createBody)

	first := f.do(t, "POST", "/v1/markets/1/bets", "bob", `{"outcome":0,"value":10}`, server.IdempotencyHeader, "bet-1")
	if first.Code != http.StatusOK {
		t.Fatalf("first: got %d", first.Code)
	}
	second := f.do(t, "POST", "/v1/markets/1/bets", "bob", `{"outcome":0,"value":10}`, server.IdempotencyHeader, "bet-1")
	if second.Code != http.StatusConflict {
		t.Errorf("replay: got %d, want 409", second.Code)
	}

	var pools query.PoolsResponse
	decode(t, f.do(t, "GET", "/v1/markets/1/pools", "", ""), &pools)
	if pools.TotalPool != 10 {
		t.Errorf("pool after replay: got %d, want 10", pools.TotalPool)
	}
}

func TestGateway_AdminPauseBlocksStaking(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/markets", "alice", createBody)

	if rec := f.do(t, "POST", "/v1/admin/pause", "root", `{"paused":true}`); rec.Code != http.StatusOK {
		t.Fatalf("pause: got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "POST", "/v1/markets/1/bets", "bob", `{"outcome":0,"value":10}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bet while paused: got %d, want 400", rec.Code)
	}
}

func TestGateway_AdminRoutesRequireAdmin(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/markets", "alice", createBody)

	tests := []struct {
		name, method, path, principal string
		want                          int
	}{
		{"snapshot anonymous", "POST", "/v1/admin/snapshots", "", http.StatusUnauthorized},
		{"snapshot non-admin", "POST", "/v1/admin/snapshots", "alice", http.StatusForbidden},
		{"integrity anonymous", "GET", "/v1/admin/integrity", "", http.StatusUnauthorized},
		{"integrity non-admin", "GET", "/v1/admin/integrity", "alice", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, tt.method, tt.path, tt.principal, ""); rec.Code != tt.want {
				t.Errorf("got %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if n := f.snaps.taken.Load(); n != 0 {
		t.Fatalf("snapshots taken by non-admins: got %d, want 0", n)
	}

	if rec := f.do(t, "POST", "/v1/admin/snapshots", "root", ""); rec.Code != http.StatusOK {
		t.Errorf("admin snapshot: got %d (%s)", rec.Code, rec.Body.String())
	}
	if n := f.snaps.taken.Load(); n != 1 {
		t.Errorf("snapshots taken: got %d, want 1", n)
	}

	rec := f.do(t, "GET", "/v1/admin/integrity", "root", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin integrity: got %d (%s)", rec.Code, rec.Body.String())
	}
	var report query.IntegrityReport
	decode(t, rec, &report)
	if !report.IsHealthy {
		t.Errorf("integrity: got %+v, want healthy", report)
	}
}

func TestGateway_CommandSequenceIsOwnRecord(t *testing.T) {
	f := newFixture(t)

	var created, bet server.CommandResponse
	decode(t, f.do(t, "POST", "/v1/markets", "alice", createBody), &created)
	decode(t, f.do(t, "POST", "/v1/markets/1/bets", "bob", `{"outcome":0,"value":5}`), &bet)
	if created.Sequence != 1 || bet.Sequence != 2 {
		t.Errorf("sequences: got %d and %d, want 1 and 2", created.Sequence, bet.Sequence)
	}

	// Another command landing first does not shift this command's sequence.
	f.do(t, "POST", "/v1/markets", "carol", createBody)
	var second server.CommandResponse
	decode(t, f.do(t, "POST", "/v1/markets/1/bets", "bob", `{"outcome":1,"value":5}`), &second)
	if second.Sequence != 4 {
		t.Errorf("bet after another create: got %d, want 4", second.Sequence)
	}
}

// ============================================================================
// Test: Status and probes
// ============================================================================

func TestGateway_StatusAndProbes(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/markets", "alice", createBody)

	var st server.StatusResponse
	decode(t, f.do(t, "GET", "/v1/status", "", ""), &st)
	if st.LastSequence != 1 || !st.Ready || len(st.StateHash) != 64 {
		t.Errorf("status: %+v", st)
	}

	if rec := f.do(t, "GET", "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}
	f.health.SetReady(false)
	if rec := f.do(t, "GET", "/readyz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz: got %d, want 503", rec.Code)
	}
}

func TestGateway_UnknownRoute(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "GET", "/v1/nothing", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rec.Code)
	}
}
