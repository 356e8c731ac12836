package embed

import "context"

// Embedder turns plain text into fixed-dimension float vectors. It is a
// stateless external function: providers are swappable without touching
// the indexer's contract.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
