package market

// UserAccount aggregates a principal's activity across markets.
type UserAccount struct {
	Principal Principal `json:"principal"`
	Winnings  int64     `json:"winnings"`
	WinCount  int64     `json:"win_count"`
	Refunded  int64     `json:"refunded"`

	// History lists markets in first-stake order. It follows the same
	// per-outcome first-touch rule as Market.Participants.
	History []ID `json:"history"`
}

// CategoryCount is one entry of the category registry.
type CategoryCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// CategoryRegistry holds every category ever used, in first-creation order.
// Labels are never removed.
type CategoryRegistry struct {
	Categories []CategoryCount `json:"categories"`
}

// Add increments the label's count, appending it if new.
func (r *CategoryRegistry) Add(label string) {
	for i := range r.Categories {
		if r.Categories[i].Label == label {
			r.Categories[i].Count++
			return
		}
	}
	r.Categories = append(r.Categories, CategoryCount{Label: label, Count: 1})
}

// Count returns the number of markets created under label.
func (r *CategoryRegistry) Count(label string) int64 {
	for _, c := range r.Categories {
		if c.Label == label {
			return c.Count
		}
	}
	return 0
}

// ParticipantRegistry is the global set of principals that ever staked, in
// first-registration order.
type ParticipantRegistry struct {
	Principals []Principal `json:"principals"`
	index      map[Principal]struct{}
}

// Register adds p if absent and reports whether it was new.
func (r *ParticipantRegistry) Register(p Principal) bool {
	if r.index == nil {
		r.index = make(map[Principal]struct{}, len(r.Principals))
		for _, q := range r.Principals {
			r.index[q] = struct{}{}
		}
	}
	if _, ok := r.index[p]; ok {
		return false
	}
	r.index[p] = struct{}{}
	r.Principals = append(r.Principals, p)
	return true
}

// AdminState holds platform-wide switches.
type AdminState struct {
	Paused     bool  `json:"paused"`
	FeesSwept  int64 `json:"fees_swept"`
	SweptCount int64 `json:"swept_count"`
}
