package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Request headers set by the upstream authenticator and by clients.
const (
	PrincipalHeader   = "X-Principal"
	IdempotencyHeader = "Idempotency-Key"
)

const maxBodyBytes = 1 << 20

// ChainSource exposes the engine's position in the outcome record chain.
type ChainSource interface {
	GetSequence() int64
	GetStateHash() [32]byte
}

// AdminChecker reports whether a principal may use the /v1/admin routes
// that do not go through the engine.
type AdminChecker interface {
	IsAdmin(p market.Principal) bool
}

// Snapshotter takes an on-demand snapshot.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) error
}

// Deps holds what the HTTP routes need. Snapshots and Stream may be nil; a
// nil Auth trusts the X-Principal header. A nil Admins denies the snapshot
// and integrity routes to everyone.
type Deps struct {
	Dispatcher *ingestion.Dispatcher
	Auth       Authenticator
	Admins     AdminChecker
	Queries    *query.QueryService
	Chain      ChainSource
	Snapshots  Snapshotter
	Stream     *StreamHub
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	StartTime  time.Time
}

// HTTPGateway serves the JSON API on a grpc-gateway ServeMux, mounted under
// a chi router that also carries the probes and the record stream.
type HTTPGateway struct {
	mux        *runtime.ServeMux
	handler    http.Handler
	httpServer *http.Server
	addr       string
	deps       *Deps
}

func NewHTTPGateway(addr string, deps *Deps) (*HTTPGateway, error) {
	if deps.Auth == nil {
		deps.Auth = HeaderAuth{}
	}
	g := &HTTPGateway{
		mux:  runtime.NewServeMux(),
		addr: addr,
		deps: deps,
	}
	if err := g.registerRoutes(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Stream != nil {
		r.Get("/v1/stream", deps.Stream.HandleWS)
	}
	r.Group(func(r chi.Router) {
		r.Use(g.accessLog)
		r.Handle("/*", g.mux)
	})
	g.handler = r
	return g, nil
}

// Handler returns the root handler, for tests and embedding.
func (g *HTTPGateway) Handler() http.Handler {
	return g.handler
}

// Start serves until ctx is done, then shuts down with a 5s grace period.
func (g *HTTPGateway) Start(ctx context.Context) error {
	g.httpServer = &http.Server{
		Addr:              g.addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		g.deps.Logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.httpServer.Shutdown(shutdownCtx)
	}()

	g.deps.Logger.Info().Str("addr", g.addr).Msg("HTTP gateway listening")
	if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *HTTPGateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		g.deps.Logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", code).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (g *HTTPGateway) registerRoutes() error {
	routes := []route{
		// Commands
		{"POST", "/v1/markets", g.command(ingestion.KindCreateMarket)},
		{"POST", "/v1/markets/{id}/bets", g.command(ingestion.KindPlaceBet)},
		{"POST", "/v1/markets/{id}/resolve", g.command(ingestion.KindResolveMarket)},
		{"POST", "/v1/markets/{id}/withdraw", g.command(ingestion.KindWithdrawWinnings)},
		{"POST", "/v1/markets/{id}/refund", g.command(ingestion.KindRefund)},
		{"POST", "/v1/markets/{id}/cancel", g.command(ingestion.KindCancelMarket)},
		{"POST", "/v1/markets/{id}/extend", g.command(ingestion.KindExtendDeadline)},
		{"POST", "/v1/markets/{id}/pause", g.command(ingestion.KindSetBettingPaused)},

		// Admin
		{"POST", "/v1/admin/markets/{id}/resolve", g.command(ingestion.KindEmergencyResolve)},
		{"POST", "/v1/admin/markets/{id}/sweep", g.command(ingestion.KindSweepFees)},
		{"POST", "/v1/admin/pause", g.command(ingestion.KindSetGlobalPause)},
		{"POST", "/v1/admin/snapshots", g.takeSnapshot},
		{"GET", "/v1/admin/integrity", g.query("verify_integrity", g.verifyIntegrity)},

		// Queries
		{"GET", "/v1/markets", g.query("list_markets", g.listMarkets)},
		{"GET", "/v1/markets/{id}", g.query("get_market", g.getMarket)},
		{"GET", "/v1/markets/{id}/pools", g.query("get_pools", g.getPools)},
		{"GET", "/v1/markets/{id}/participants", g.query("get_participants", g.getParticipants)},
		{"GET", "/v1/markets/{id}/bets/{principal}", g.query("get_user_bet", g.getUserBet)},
		{"GET", "/v1/users/{principal}", g.query("get_user", g.getUser)},
		{"GET", "/v1/users/{principal}/journal", g.query("get_journal_history", g.getJournal)},
		{"GET", "/v1/leaderboard", g.query("get_leaderboard", g.getLeaderboard)},
		{"GET", "/v1/categories", g.query("list_categories", g.listCategories)},
		{"GET", "/v1/categories/top", g.query("get_top_categories", g.getTopCategories)},
		{"GET", "/v1/status", g.query("get_status", g.getStatus)},
	}

	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Commands
// ============================================================================

// CommandResponse is returned for every applied command.
type CommandResponse struct {
	Command  string    `json:"command"`
	MarketID market.ID `json:"market_id,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	Sequence int64     `json:"sequence"`
}

func (g *HTTPGateway) command(kind string) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		principal, err := g.deps.Auth.Principal(r)
		if err != nil {
			g.writeError(w, r, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			g.writeError(w, r, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			body = []byte("{}")
		}

		cmd, err := ingestion.ParseCommand(kind, body)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		if raw, ok := params["id"]; ok {
			id, err := market.ParseID(raw)
			if err != nil {
				g.writeError(w, r, err)
				return
			}
			cmd = ingestion.BindMarket(cmd, id)
		}

		res, err := g.deps.Dispatcher.Dispatch(r.Context(), &ingestion.Request{
			CommandID: r.Header.Get(IdempotencyHeader),
			Principal: principal,
			Command:   cmd,
		})
		if err != nil {
			g.writeError(w, r, err)
			return
		}

		code := http.StatusOK
		if kind == ingestion.KindCreateMarket {
			code = http.StatusCreated
		}
		writeJSON(w, code, CommandResponse{
			Command:  kind,
			MarketID: res.MarketID,
			Amount:   res.Amount,
			Sequence: res.Sequence,
		})
	}
}

// requireAdmin authenticates the caller and checks it against Admins.
func (g *HTTPGateway) requireAdmin(r *http.Request) error {
	principal, err := g.deps.Auth.Principal(r)
	if err != nil {
		return err
	}
	if g.deps.Admins == nil || !g.deps.Admins.IsAdmin(principal) {
		return status.Errorf(codes.PermissionDenied, "%s is not an admin", principal)
	}
	return nil
}

func (g *HTTPGateway) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := g.requireAdmin(r); err != nil {
		g.writeError(w, r, err)
		return
	}
	if g.deps.Snapshots == nil {
		g.writeError(w, r, status.Error(codes.Unimplemented, "snapshots not configured"))
		return
	}
	if err := g.deps.Snapshots.TakeSnapshot(r.Context()); err != nil {
		g.writeError(w, r, status.Errorf(codes.Internal, "take snapshot: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": g.deps.Chain.GetSequence() - 1})
}

// ============================================================================
// Queries
// ============================================================================

type queryFunc func(r *http.Request, params map[string]string) (interface{}, error)

func (g *HTTPGateway) query(endpoint string, fn queryFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := fn(r, params)

		if m := g.deps.Metrics; m != nil {
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			result := "ok"
			if err != nil {
				result = "error"
				m.QueryErrors.WithLabelValues(endpoint, statusCode(err).String()).Inc()
			}
			m.QueryRequests.WithLabelValues(endpoint, result).Inc()
		}

		if err != nil {
			g.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (g *HTTPGateway) getMarket(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := market.ParseID(p["id"])
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetMarket(r.Context(), id)
}

func (g *HTTPGateway) listMarkets(r *http.Request, _ map[string]string) (interface{}, error) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "open"
	}
	phase, err := market.ParsePhase(state)
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.ListMarkets(r.Context(), phase)
}

func (g *HTTPGateway) getPools(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := market.ParseID(p["id"])
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetPools(r.Context(), id)
}

func (g *HTTPGateway) getParticipants(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := market.ParseID(p["id"])
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetParticipants(r.Context(), id)
}

func (g *HTTPGateway) getUserBet(r *http.Request, p map[string]string) (interface{}, error) {
	id, err := market.ParseID(p["id"])
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetUserBet(r.Context(), id, market.Principal(p["principal"]))
}

func (g *HTTPGateway) getUser(r *http.Request, p map[string]string) (interface{}, error) {
	return g.deps.Queries.GetUser(r.Context(), market.Principal(p["principal"]))
}

func (g *HTTPGateway) getJournal(r *http.Request, p map[string]string) (interface{}, error) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 1000 {
		return nil, status.Error(codes.InvalidArgument, "limit must be 1-1000")
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "before: %v", err)
		}
		before = &seq
	}
	return g.deps.Queries.GetJournalHistory(r.Context(), market.Principal(p["principal"]), limit, before)
}

func (g *HTTPGateway) getLeaderboard(r *http.Request, _ map[string]string) (interface{}, error) {
	k, err := intParam(r, "k", 0)
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetLeaderboard(r.Context(), k)
}

func (g *HTTPGateway) listCategories(r *http.Request, _ map[string]string) (interface{}, error) {
	return g.deps.Queries.ListCategories(r.Context())
}

func (g *HTTPGateway) getTopCategories(r *http.Request, _ map[string]string) (interface{}, error) {
	k, err := intParam(r, "k", 0)
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetTopCategories(r.Context(), k)
}

func (g *HTTPGateway) verifyIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := g.requireAdmin(r); err != nil {
		return nil, err
	}
	return g.deps.Queries.VerifyIntegrity(r.Context())
}

// StatusResponse describes the running ledger.
type StatusResponse struct {
	LastSequence int64  `json:"last_sequence"`
	StateHash    string `json:"state_hash"`
	Ready        bool   `json:"ready"`
	Uptime       string `json:"uptime"`
}

func (g *HTTPGateway) getStatus(_ *http.Request, _ map[string]string) (interface{}, error) {
	hash := g.deps.Chain.GetStateHash()
	resp := &StatusResponse{
		LastSequence: g.deps.Chain.GetSequence() - 1,
		StateHash:    hex.EncodeToString(hash[:]),
		Uptime:       time.Since(g.deps.StartTime).Truncate(time.Second).String(),
	}
	if g.deps.Health != nil {
		resp.Ready = g.deps.Health.IsReady()
	}
	return resp, nil
}

// ============================================================================
// Helpers
// ============================================================================

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as a google.rpc.Status body with the HTTP status
// grpc-gateway assigns to its code.
func (g *HTTPGateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := toStatus(err)
	if st.Code() == codes.Internal {
		g.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	_, outbound := runtime.MarshalerForRequest(g.mux, r)
	runtime.HTTPError(r.Context(), g.mux, outbound, w, r, st.Err())
}
