package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	fpmath "PredictLedger/internal/math"
	"PredictLedger/internal/ranking"
	"PredictLedger/internal/store"
)

// ErrNoEventLog is returned by queries that read the Postgres event log when
// none is attached.
var ErrNoEventLog = errors.New("event log not configured")

// Source is the live engine state the read side needs.
type Source interface {
	Now() time.Time
	GetSequence() int64
	FeePercent() int64
}

// Balances reads treasury account balances.
type Balances interface {
	GetUserBalance(p market.Principal) int64
	GetPoolBalance(id market.ID) int64
	ComputeGlobalBalance() int64
}

// QueryService provides read-only access to ledger records. Responses carry
// as_of_sequence, the last sequence the engine had emitted when the read
// started.
type QueryService struct {
	records  *store.Records
	source   Source
	balances Balances
	db       *sql.DB // event log; nil disables journal and integrity queries

	leaderboardSize int
	categoryTopK    int
}

func NewQueryService(records *store.Records, source Source, balances Balances, db *sql.DB, leaderboardSize, categoryTopK int) *QueryService {
	return &QueryService{
		records:         records,
		source:          source,
		balances:        balances,
		db:              db,
		leaderboardSize: leaderboardSize,
		categoryTopK:    categoryTopK,
	}
}

func (qs *QueryService) asOf() int64 {
	return qs.source.GetSequence() - 1
}

// GetMarket returns one market with its phase derived at query time.
func (qs *QueryService) GetMarket(ctx context.Context, id market.ID) (*MarketResponse, error) {
	asOf := qs.asOf()
	m, err := qs.records.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &MarketResponse{
		ID:            m.ID,
		Question:      m.Question,
		Outcomes:      m.Outcomes,
		Category:      m.Category,
		Creator:       m.Creator,
		CreatedAt:     m.CreatedAt,
		Deadline:      m.Deadline,
		Phase:         m.Phase(qs.source.Now()).String(),
		Emergency:     m.Emergency,
		BettingPaused: m.Paused,
		MinBet:        m.MinBet,
		MaxBet:        m.MaxBet,
		TotalPool:     m.TotalPool,
		OptionPools:   m.OptionPools,
		PaidOut:       m.PaidOut,
		FeeSwept:      m.FeeSwept,
		Participants:  len(m.Participants),
		AsOfSequence:  asOf,
	}
	if m.State == market.StateResolved {
		w := m.Winning
		resp.WinningOutcome = &w
	}
	return resp, nil
}

// ListMarkets returns every market whose phase at query time matches.
func (qs *QueryService) ListMarkets(ctx context.Context, phase market.Phase) ([]MarketSummary, error) {
	count, err := qs.records.MarketCount(ctx)
	if err != nil {
		return nil, err
	}

	now := qs.source.Now()
	out := []MarketSummary{}
	for id := market.ID(1); id <= count; id++ {
		m, err := qs.records.GetMarket(ctx, id)
		if errors.Is(err, market.ErrNotFound) {
			// Counter written, market never stored.
			continue
		}
		if err != nil {
			return nil, err
		}
		p := m.Phase(now)
		if p != phase {
			continue
		}
		out = append(out, MarketSummary{
			ID:        m.ID,
			Question:  m.Question,
			Category:  m.Category,
			Deadline:  m.Deadline,
			Phase:     p.String(),
			TotalPool: m.TotalPool,
		})
	}
	return out, nil
}

// GetPools returns the per-outcome distribution of a market's pool.
func (qs *QueryService) GetPools(ctx context.Context, id market.ID) (*PoolsResponse, error) {
	m, err := qs.records.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &PoolsResponse{
		ID:        m.ID,
		TotalPool: m.TotalPool,
		Outcomes:  make([]OutcomePool, len(m.Outcomes)),
		Held:      qs.balances.GetPoolBalance(id),
	}
	for i, label := range m.Outcomes {
		op := OutcomePool{Index: i, Label: label, Pool: m.OptionPools[i]}
		if m.TotalPool > 0 {
			op.BasisPoints = fpmath.MulDiv(m.OptionPools[i], 10_000, m.TotalPool, fpmath.RoundDown)
		}
		resp.Outcomes[i] = op
	}
	return resp, nil
}

// GetUserBet returns a principal's stake in one market.
func (qs *QueryService) GetUserBet(ctx context.Context, id market.ID, p market.Principal) (*BetResponse, error) {
	m, err := qs.records.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &BetResponse{
		ID:         id,
		Principal:  p,
		PerOutcome: make([]int64, len(m.Outcomes)),
		Total:      m.TotalBetOf(p),
	}
	for i := range m.Outcomes {
		resp.PerOutcome[i] = m.BetOf(p, i)
	}
	if m.State == market.StateResolved {
		resp.PotentialPayout = fpmath.Share(m.BetOf(p, m.Winning), m.TotalPool,
			m.OptionPools[m.Winning], qs.source.FeePercent())
	}
	return resp, nil
}

// GetParticipants lists a market's participants in first-stake order.
func (qs *QueryService) GetParticipants(ctx context.Context, id market.ID) ([]market.Principal, error) {
	m, err := qs.records.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Participants, nil
}

// GetUser returns a principal's account, history and paid-out balance.
func (qs *QueryService) GetUser(ctx context.Context, p market.Principal) (*UserResponse, error) {
	acct, err := qs.records.GetUser(ctx, p)
	if err != nil {
		return nil, err
	}
	return &UserResponse{
		Principal: p,
		Winnings:  acct.Winnings,
		WinCount:  acct.WinCount,
		Refunded:  acct.Refunded,
		History:   acct.History,
		Balance:   qs.balances.GetUserBalance(p),
	}, nil
}

// GetLeaderboard ranks participants by lifetime winnings. k <= 0 uses the
// configured size.
func (qs *QueryService) GetLeaderboard(ctx context.Context, k int) (*LeaderboardResponse, error) {
	if k <= 0 {
		k = qs.leaderboardSize
	}
	asOf := qs.asOf()
	entries, err := ranking.Leaderboard(ctx, qs.records, k)
	if err != nil {
		return nil, err
	}
	return &LeaderboardResponse{Entries: entries, AsOfSequence: asOf}, nil
}

// GetTopCategories ranks categories by market count. k <= 0 uses the
// configured size.
func (qs *QueryService) GetTopCategories(ctx context.Context, k int) (*CategoriesResponse, error) {
	if k <= 0 {
		k = qs.categoryTopK
	}
	asOf := qs.asOf()
	reg, err := qs.records.GetCategories(ctx)
	if err != nil {
		return nil, err
	}
	return &CategoriesResponse{Categories: ranking.TopCategories(reg, k), AsOfSequence: asOf}, nil
}

// ListCategories returns every category in creation order.
func (qs *QueryService) ListCategories(ctx context.Context) ([]market.CategoryCount, error) {
	reg, err := qs.records.GetCategories(ctx)
	if err != nil {
		return nil, err
	}
	return reg.Categories, nil
}

// GetJournalHistory returns journal entries touching a principal's payout
// account, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	p market.Principal,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoEventLog
	}

	account := ledger.NewUserAccountKey(p).AccountPath()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks every market record's pool bookkeeping and the live
// treasury's zero-sum balance. With the event log attached it also checks
// hash chain continuity and that no persisted pool account went negative.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{
		LiveImbalance: qs.balances.ComputeGlobalBalance(),
	}

	count, err := qs.records.MarketCount(ctx)
	if err != nil {
		return nil, err
	}
	for id := market.ID(1); id <= count; id++ {
		m, err := qs.records.GetMarket(ctx, id)
		if errors.Is(err, market.ErrNotFound) {
			// Counter written, market never stored.
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := m.CheckInvariants(); err != nil {
			report.MarketErrors = append(report.MarketErrors, err.Error())
		}
		if held, want := qs.balances.GetPoolBalance(id), ledger.PoolValue(m, qs.source.FeePercent()); held != want {
			report.MarketErrors = append(report.MarketErrors,
				fmt.Sprintf("market %d pool account holds %d, record implies %d", id, held, want))
		}
	}

	if qs.db != nil {
		if err := qs.verifyEventLog(ctx, report); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativePools) == 0 &&
		len(report.MarketErrors) == 0 && report.LiveImbalance == 0
	return report, nil
}

func (qs *QueryService) verifyEventLog(ctx context.Context, report *IntegrityReport) error {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	poolRows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta) AS balance FROM (
			SELECT debit_account AS account, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, -amount AS delta FROM event_log.journal
		) t
		WHERE account LIKE 'market:%'
		GROUP BY account
		HAVING SUM(delta) < 0
	`)
	if err != nil {
		return err
	}
	defer poolRows.Close()

	for poolRows.Next() {
		var na NegativeAccount
		if err := poolRows.Scan(&na.Account, &na.Balance); err != nil {
			return err
		}
		report.NegativePools = append(report.NegativePools, na)
	}
	return poolRows.Err()
}
