package ranking

import (
	"context"

	"PredictLedger/internal/market"
	"PredictLedger/internal/store"
)

// LeaderboardEntry is one row of the winnings leaderboard.
type LeaderboardEntry struct {
	Rank      int              `json:"rank"`
	Principal market.Principal `json:"principal"`
	Winnings  int64            `json:"winnings"`
	WinCount  int64            `json:"win_count"`
}

// CategoryEntry is one row of the category ranking.
type CategoryEntry struct {
	Rank  int    `json:"rank"`
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Leaderboard ranks registered participants by lifetime winnings.
// Candidates are scanned in registration order. Participants who have never
// won are left off, so a board with fewer winners than k is shorter than k.
func Leaderboard(ctx context.Context, recs *store.Records, k int) ([]LeaderboardEntry, error) {
	reg, err := recs.GetParticipants(ctx)
	if err != nil {
		return nil, err
	}

	accounts := make(map[market.Principal]*market.UserAccount, len(reg.Principals))
	candidates := make([]Entry[market.Principal], 0, len(reg.Principals))
	for _, p := range reg.Principals {
		acct, err := recs.GetUser(ctx, p)
		if err != nil {
			return nil, err
		}
		if acct.Winnings <= 0 {
			continue
		}
		accounts[p] = acct
		candidates = append(candidates, Entry[market.Principal]{Key: p, Score: acct.Winnings})
	}

	top := TopK(candidates, k)
	out := make([]LeaderboardEntry, len(top))
	for i, e := range top {
		out[i] = LeaderboardEntry{
			Rank:      i + 1,
			Principal: e.Key,
			Winnings:  e.Score,
			WinCount:  accounts[e.Key].WinCount,
		}
	}
	return out, nil
}

// TopCategories ranks categories by market count. Ties keep the order in
// which categories were first created.
func TopCategories(reg *market.CategoryRegistry, k int) []CategoryEntry {
	candidates := make([]Entry[string], len(reg.Categories))
	for i, c := range reg.Categories {
		candidates[i] = Entry[string]{Key: c.Label, Score: c.Count}
	}

	top := TopK(candidates, k)
	out := make([]CategoryEntry, len(top))
	for i, e := range top {
		out[i] = CategoryEntry{Rank: i + 1, Label: e.Key, Count: e.Score}
	}
	return out
}
