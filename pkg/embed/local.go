package embed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

// LocalEmbedder is a deterministic bag-of-words embedder used when no
// embedding API is configured, and by tests. Each token hashes to a fixed
// pseudo-random unit vector; a text embeds to the normalized token sum,
// so texts sharing vocabulary land near each other.
type LocalEmbedder struct {
	dimension int
}

func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &LocalEmbedder{dimension: dimension}
}

func (l *LocalEmbedder) Dimension() int { return l.dimension }

func (l *LocalEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = l.embed(text)
	}
	return vectors, nil
}

func (l *LocalEmbedder) embed(text string) []float32 {
	vec := make([]float32, l.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for d := range vec {
			vec[d] += float32(rng.NormFloat64())
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for d := range vec {
			vec[d] *= scale
		}
	}
	return vec
}
