// Package ranking selects deterministic top-K orderings for read-side
// queries. It owns no state; every call recomputes over the records passed in.
package ranking

import "sort"

// Entry is one ranked candidate.
type Entry[K any] struct {
	Key   K
	Score int64
}

// TopK scans candidates once and keeps at most k entries in descending score
// order. A candidate is inserted only if it beats the current k-th entry
// strictly, and it lands after every entry with an equal score, so among
// ties the first-seen candidate ranks first.
//
// The result holds min(k, len(candidates)) entries; it is never padded.
func TopK[K any](candidates []Entry[K], k int) []Entry[K] {
	if k <= 0 {
		return nil
	}

	top := make([]Entry[K], 0, min(k, len(candidates)))
	for _, c := range candidates {
		if len(top) == k && c.Score <= top[k-1].Score {
			continue
		}

		pos := sort.Search(len(top), func(i int) bool {
			return c.Score > top[i].Score
		})

		if len(top) < k {
			top = append(top, Entry[K]{})
		}
		copy(top[pos+1:], top[pos:len(top)-1])
		top[pos] = c
	}
	return top
}
