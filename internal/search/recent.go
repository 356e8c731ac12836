package search

import (
	"sort"
	"strings"
	"sync"

	"mailmirror/pkg/fuzzy"
)

// recentQueries is a bounded most-recently-used list of executed queries.
// Re-running a query moves it to the front instead of duplicating it.
type recentQueries struct {
	mu      sync.Mutex
	max     int
	queries []string
}

func newRecentQueries(max int) *recentQueries {
	if max <= 0 {
		max = 100
	}
	return &recentQueries{max: max}
}

func (r *recentQueries) record(query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, q := range r.queries {
		if strings.EqualFold(q, query) {
			copy(r.queries[1:i+1], r.queries[:i])
			r.queries[0] = query
			return
		}
	}

	r.queries = append([]string{query}, r.queries...)
	if len(r.queries) > r.max {
		r.queries = r.queries[:r.max]
	}
}

func (r *recentQueries) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queries))
	copy(out, r.queries)
	return out
}

// suggest ranks stored queries against the typed prefix: fuzzy score
// first, then recency for equal scores.
func (r *recentQueries) suggest(prefix string, limit int) []string {
	prefix = strings.TrimSpace(prefix)

	r.mu.Lock()
	stored := make([]string, len(r.queries))
	copy(stored, r.queries)
	r.mu.Unlock()

	if prefix == "" {
		if limit > 0 && len(stored) > limit {
			stored = stored[:limit]
		}
		return stored
	}

	type scored struct {
		query   string
		score   float64
		recency int
	}
	candidates := make([]scored, 0, len(stored))
	for i, q := range stored {
		if score := fuzzy.Score(prefix, q); score > 0 {
			candidates = append(candidates, scored{query: q, score: score, recency: i})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].recency < candidates[j].recency
	})

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.query)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
