package chroma

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"mailmirror/internal/indexer"
	"mailmirror/pkg/config"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
)

const collectionName = "emails"

// Index is the Chroma Cloud backed similarity index. The collection owns a
// Gemini embedding function, so documents and queries go over as text and
// Chroma computes vectors server-side; the locally stored vectors are only
// used by the in-process index and for staleness bookkeeping.
type Index struct {
	client     chroma.Client
	embedFunc  *gemini.GeminiEmbeddingFunction
	collection chroma.Collection
}

var _ indexer.VectorIndex = (*Index)(nil)

func NewIndex(cfg *config.Config) (*Index, error) {
	if cfg.ChromaAPIKey == "" {
		return nil, fmt.Errorf("CHROMA_API_KEY is required")
	}

	if cfg.GeminiAPIKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	}

	embedFunc, err := gemini.NewGeminiEmbeddingFunction(
		gemini.WithEnvAPIKey(),
		gemini.WithDefaultModel("text-embedding-004"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
	}

	var client chroma.Client
	if cfg.ChromaDatabase != "" && cfg.ChromaTenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithDatabaseAndTenant(cfg.ChromaDatabase, cfg.ChromaTenant),
		)
	} else if cfg.ChromaTenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithTenant(cfg.ChromaTenant),
		)
	} else {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Chroma client: %w", err)
	}

	collection, err := client.GetOrCreateCollection(
		context.Background(),
		collectionName,
		chroma.WithEmbeddingFunctionCreate(embedFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	log.Printf("[Chroma] Initialized collection %q", collectionName)

	return &Index{
		client:     client,
		embedFunc:  embedFunc,
		collection: collection,
	}, nil
}

// Upsert writes one email document keyed by email id, so re-embedding the
// same email never duplicates it. The account id goes into metadata for
// query-time filtering and account-wide deletion.
func (x *Index) Upsert(ctx context.Context, accountID, emailID, text string, _ []float32) error {
	metadata, err := chroma.NewDocumentMetadataFromMap(map[string]interface{}{
		"account_id": accountID,
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}

	err = x.collection.Upsert(
		ctx,
		chroma.WithIDs(chroma.DocumentID(emailID)),
		chroma.WithMetadatas(metadata),
		chroma.WithTexts(text),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert email document: %w", err)
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, emailID string) error {
	err := x.collection.Delete(ctx, chroma.WithIDsDelete(chroma.DocumentID(emailID)))
	if err != nil {
		return fmt.Errorf("failed to delete email document: %w", err)
	}
	return nil
}

func (x *Index) DeleteAccount(ctx context.Context, accountID string) error {
	err := x.collection.Delete(ctx, chroma.WithWhereDelete(chroma.EqString("account_id", accountID)))
	if err != nil {
		return fmt.Errorf("failed to delete account documents: %w", err)
	}
	return nil
}

// Query runs one similarity query per account and merges the results; an
// empty account list queries the whole collection, matching the in-process
// index. Scores are distances inverted to similarity so higher is better;
// ties break on email id for deterministic output.
func (x *Index) Query(ctx context.Context, accountIDs []string, queryText string, _ []float32, limit int) ([]indexer.Match, error) {
	if queryText == "" {
		return nil, nil
	}

	if len(accountIDs) == 0 {
		results, err := x.collection.Query(
			ctx,
			chroma.WithQueryTexts(queryText),
			chroma.WithNResults(limit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query collection: %w", err)
		}
		return rankMatches(collectMatches(results), limit), nil
	}

	merged := make([]indexer.Match, 0, limit*len(accountIDs))
	for _, accountID := range accountIDs {
		results, err := x.collection.Query(
			ctx,
			chroma.WithQueryTexts(queryText),
			chroma.WithNResults(limit),
			chroma.WithWhereQuery(chroma.EqString("account_id", accountID)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query collection: %w", err)
		}
		merged = append(merged, collectMatches(results)...)
	}
	return rankMatches(merged, limit), nil
}

func collectMatches(results chroma.QueryResult) []indexer.Match {
	if results == nil || results.CountGroups() == 0 {
		return nil
	}
	idGroups := results.GetIDGroups()
	distanceGroups := results.GetDistancesGroups()
	if len(idGroups) == 0 {
		return nil
	}

	matches := make([]indexer.Match, 0, len(idGroups[0]))
	for i, id := range idGroups[0] {
		match := indexer.Match{EmailID: string(id)}
		if len(distanceGroups) > 0 && i < len(distanceGroups[0]) {
			match.Score = 1 / (1 + float64(distanceGroups[0][i]))
		}
		matches = append(matches, match)
	}
	return matches
}

func rankMatches(matches []indexer.Match, limit int) []indexer.Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EmailID < matches[j].EmailID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
