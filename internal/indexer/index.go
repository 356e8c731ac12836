package indexer

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Match is one nearest-neighbor hit, best first.
type Match struct {
	EmailID string
	Score   float64
}

// VectorIndex is the similarity structure behind semantic search.
// Concurrent reads are safe; writes for one EmailID are serialized by the
// single indexer consumer, with no ordering requirement across EmailIDs.
type VectorIndex interface {
	Upsert(ctx context.Context, accountID, emailID, text string, vector []float32) error
	Delete(ctx context.Context, emailID string) error
	DeleteAccount(ctx context.Context, accountID string) error
	Query(ctx context.Context, accountIDs []string, queryText string, queryVector []float32, limit int) ([]Match, error)
}

// MemoryIndex is the in-process index used in local mode and by tests.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32 // emailID -> vector
	owners  map[string]string    // emailID -> accountID
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		vectors: make(map[string][]float32),
		owners:  make(map[string]string),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, accountID, emailID, _ string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[emailID] = vector
	m.owners[emailID] = accountID
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, emailID)
	delete(m.owners, emailID)
	return nil
}

func (m *MemoryIndex) DeleteAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for emailID, owner := range m.owners {
		if owner == accountID {
			delete(m.vectors, emailID)
			delete(m.owners, emailID)
		}
	}
	return nil
}

// Query ranks stored vectors by cosine similarity. Ties break on EmailID
// so repeated queries stay deterministic.
func (m *MemoryIndex) Query(_ context.Context, accountIDs []string, _ string, queryVector []float32, limit int) ([]Match, error) {
	if len(queryVector) == 0 {
		return nil, nil
	}

	allowed := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		allowed[id] = true
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.vectors))
	for emailID, vec := range m.vectors {
		if len(allowed) > 0 && !allowed[m.owners[emailID]] {
			continue
		}
		matches = append(matches, Match{EmailID: emailID, Score: cosine(queryVector, vec)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EmailID < matches[j].EmailID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Size returns the number of stored vectors.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
