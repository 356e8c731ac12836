package search

import (
	"context"
	"log"
	"sort"
	"strings"

	"mailmirror/internal/indexer"
	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/pkg/config"
	"mailmirror/pkg/embed"
)

// Mode selects how a query is executed.
type Mode string

const (
	ModeFullText Mode = "fulltext"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Request is one search invocation.
type Request struct {
	Query  string
	Mode   Mode
	Filter repository.EmailFilter
	Limit  int
}

// Result carries ranked emails plus execution metadata. Degraded is set
// when the semantic half of a hybrid query failed and results came from
// keyword matching alone.
type Result struct {
	Emails   []*maildomain.Email
	Mode     Mode
	Degraded bool
}

// Service executes keyword, semantic and hybrid searches over the local
// mirror. Hybrid ranking uses reciprocal-rank fusion over the two result
// lists; all orderings are deterministic for a fixed store state.
type Service struct {
	store    *repository.Store
	embedder embed.Embedder
	index    indexer.VectorIndex
	cfg      *config.Config
	recent   *recentQueries
}

func NewService(store *repository.Store, embedder embed.Embedder, index indexer.VectorIndex, cfg *config.Config) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		recent:   newRecentQueries(cfg.RecentQueryMax),
	}
}

// Search runs one query. Empty queries return no results; successful
// non-empty queries are recorded for suggestions.
func (s *Service) Search(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return &Result{Mode: req.Mode}, nil
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}

	// Candidate lists are fetched wider than the final page so fusion has
	// material to work with.
	candidateFilter := req.Filter
	candidateFilter.Limit = limit * 3
	candidateFilter.Offset = 0

	var result *Result
	var err error
	switch req.Mode {
	case ModeFullText:
		result, err = s.fullText(query, candidateFilter, limit)
	case ModeSemantic:
		result, err = s.semantic(ctx, query, candidateFilter, limit)
	case ModeHybrid:
		result, err = s.hybrid(ctx, query, candidateFilter, limit)
	default:
		result, err = s.hybrid(ctx, query, candidateFilter, limit)
		if result != nil {
			result.Mode = ModeHybrid
		}
	}
	if err != nil {
		return nil, err
	}

	s.recent.record(query)
	return result, nil
}

func (s *Service) fullText(query string, f repository.EmailFilter, limit int) (*Result, error) {
	emails, err := s.store.KeywordSearch(query, f)
	if err != nil {
		return nil, err
	}
	if len(emails) > limit {
		emails = emails[:limit]
	}
	return &Result{Emails: emails, Mode: ModeFullText}, nil
}

// semantic embeds the query, asks the similarity index for neighbors and
// hydrates them through the store so filters and tombstones apply.
func (s *Service) semantic(ctx context.Context, query string, f repository.EmailFilter, limit int) (*Result, error) {
	matches, err := s.semanticMatches(ctx, query, f)
	if err != nil {
		return nil, err
	}

	emails, err := s.hydrate(matches, f)
	if err != nil {
		return nil, err
	}
	if len(emails) > limit {
		emails = emails[:limit]
	}
	return &Result{Emails: emails, Mode: ModeSemantic}, nil
}

// hybrid fuses keyword and semantic rankings with reciprocal-rank fusion.
// A semantic failure degrades to the keyword list instead of failing the
// whole query.
func (s *Service) hybrid(ctx context.Context, query string, f repository.EmailFilter, limit int) (*Result, error) {
	keyword, err := s.store.KeywordSearch(query, f)
	if err != nil {
		return nil, err
	}

	matches, semErr := s.semanticMatches(ctx, query, f)
	if semErr != nil {
		log.Printf("[Search] [WARN] Semantic side failed, degrading to keyword: %v", semErr)
		if len(keyword) > limit {
			keyword = keyword[:limit]
		}
		return &Result{Emails: keyword, Mode: ModeHybrid, Degraded: true}, nil
	}

	semantic, err := s.hydrate(matches, f)
	if err != nil {
		return nil, err
	}

	fused := fuseRRF(s.cfg.FusionK, keyword, semantic)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return &Result{Emails: fused, Mode: ModeHybrid}, nil
}

func (s *Service) semanticMatches(ctx context.Context, query string, f repository.EmailFilter) ([]indexer.Match, error) {
	vectors, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	var queryVector []float32
	if len(vectors) == 1 {
		queryVector = vectors[0]
	}
	return s.index.Query(ctx, f.AccountIDs, query, queryVector, f.Limit)
}

// hydrate loads matched emails through the store filter and restores the
// index's ranking order.
func (s *Service) hydrate(matches []indexer.Match, f repository.EmailFilter) ([]*maildomain.Email, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	rank := make(map[string]int, len(matches))
	for i, m := range matches {
		ids[i] = m.EmailID
		rank[m.EmailID] = i
	}

	emails, err := s.store.ListEmailsByIDs(ids, f)
	if err != nil {
		return nil, err
	}
	sort.Slice(emails, func(i, j int) bool {
		return rank[emails[i].ID] < rank[emails[j].ID]
	})
	return emails, nil
}

// fuseRRF merges ranked lists by reciprocal-rank fusion: each email scores
// the sum of 1/(k+rank) over the lists it appears in. Ties break on email
// id so a fixed store state always yields the same order.
func fuseRRF(k int, lists ...[]*maildomain.Email) []*maildomain.Email {
	if k <= 0 {
		k = 60
	}

	type entry struct {
		email *maildomain.Email
		score float64
	}
	scores := make(map[string]*entry)
	for _, list := range lists {
		for i, email := range list {
			e := scores[email.ID]
			if e == nil {
				e = &entry{email: email}
				scores[email.ID] = e
			}
			e.score += 1 / float64(k+i+1)
		}
	}

	entries := make([]*entry, 0, len(scores))
	for _, e := range scores {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].email.ID < entries[j].email.ID
	})

	fused := make([]*maildomain.Email, len(entries))
	for i, e := range entries {
		fused[i] = e.email
	}
	return fused
}

// Suggest returns recent queries matching the typed prefix, best first.
func (s *Service) Suggest(prefix string, limit int) []string {
	return s.recent.suggest(prefix, limit)
}

// RecentQueries returns the MRU query list, most recent first.
func (s *Service) RecentQueries() []string {
	return s.recent.list()
}
