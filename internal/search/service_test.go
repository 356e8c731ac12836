package search

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mailmirror/internal/indexer"
	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/pkg/config"
	"mailmirror/pkg/database"
	"mailmirror/pkg/embed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEmbedder struct{}

func (failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding backend unavailable")
}
func (failingEmbedder) Dimension() int { return 16 }

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store, err := repository.NewStore(db, 1024)
	require.NoError(t, err)
	return store
}

func searchConfig() *config.Config {
	return &config.Config{
		FusionK:         60,
		SearchLimit:     10,
		RecentQueryMax:  5,
		EmbedMaxTextLen: 8000,
	}
}

func seedEmail(t *testing.T, store *repository.Store, accountID, providerID, subject, body string) *maildomain.Email {
	t.Helper()
	var email *maildomain.Email
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		email, err = tx.UpsertRemoteEmail(accountID, &maildomain.RemoteEmail{
			ProviderID:       providerID,
			ProviderThreadID: "thread-" + providerID,
			Subject:          subject,
			Body:             body,
			FromEmail:        "sender@example.com",
			To:               []string{"user@example.com"},
			SentAt:           time.Now().Add(-time.Hour),
		}, 8000)
		return err
	}))
	drainFeed(store)
	return email
}

func drainFeed(store *repository.Store) {
	for {
		select {
		case <-store.Feed():
		default:
			return
		}
	}
}

// indexEmail embeds the email's text and stores the vector, standing in for
// the indexer pipeline.
func indexEmail(t *testing.T, embedder embed.Embedder, index indexer.VectorIndex, email *maildomain.Email) {
	t.Helper()
	text := email.EmbedText(8000)
	vectors, err := embedder.EmbedTexts(context.Background(), []string{text})
	require.NoError(t, err)
	require.NoError(t, index.Upsert(context.Background(), email.AccountID, email.ID, text, vectors[0]))
}

func newTestAccount(t *testing.T, store *repository.Store) *maildomain.Account {
	t.Helper()
	account := &maildomain.Account{Email: "user@example.com", Provider: maildomain.ProviderIMAP}
	require.NoError(t, store.CreateAccount(account))
	return account
}

func TestSearchEmptyQueryReturnsNothing(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, embed.NewLocalEmbedder(16), indexer.NewMemoryIndex(), searchConfig())

	result, err := svc.Search(context.Background(), Request{Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, result.Emails)
	assert.Empty(t, svc.RecentQueries(), "empty queries are not recorded")
}

func TestSearchFullTextMode(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	svc := NewService(store, embed.NewLocalEmbedder(16), indexer.NewMemoryIndex(), searchConfig())

	seedEmail(t, store, account.ID, "p1", "budget review", "see attachment")
	seedEmail(t, store, account.ID, "p2", "lunch plans", "pizza on friday")

	result, err := svc.Search(context.Background(), Request{
		Query:  "budget",
		Mode:   ModeFullText,
		Filter: repository.EmailFilter{AccountIDs: []string{account.ID}},
	})
	require.NoError(t, err)
	require.Len(t, result.Emails, 1)
	assert.Equal(t, "budget review", result.Emails[0].Subject)
	assert.Equal(t, ModeFullText, result.Mode)
	assert.False(t, result.Degraded)
	assert.Equal(t, []string{"budget"}, svc.RecentQueries())
}

func TestSearchSemanticModeRanksByIndexOrder(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	embedder := embed.NewLocalEmbedder(16)
	index := indexer.NewMemoryIndex()
	svc := NewService(store, embedder, index, searchConfig())

	hit := seedEmail(t, store, account.ID, "p1", "quarterly budget numbers", "spreadsheet attached")
	other := seedEmail(t, store, account.ID, "p2", "team offsite", "hiking and barbecue")
	indexEmail(t, embedder, index, hit)
	indexEmail(t, embedder, index, other)

	result, err := svc.Search(context.Background(), Request{
		Query:  "quarterly budget numbers",
		Mode:   ModeSemantic,
		Filter: repository.EmailFilter{AccountIDs: []string{account.ID}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Emails)
	assert.Equal(t, hit.ID, result.Emails[0].ID)
	assert.Equal(t, ModeSemantic, result.Mode)
}

func TestSearchSemanticHydrationDropsTombstoned(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	embedder := embed.NewLocalEmbedder(16)
	index := indexer.NewMemoryIndex()
	svc := NewService(store, embedder, index, searchConfig())

	email := seedEmail(t, store, account.ID, "p1", "budget review", "numbers")
	indexEmail(t, embedder, index, email)

	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalFlag(email, maildomain.FieldDeleted, true)
		return err
	}))
	drainFeed(store)

	// The index still holds the vector; hydration filters the tombstone.
	result, err := svc.Search(context.Background(), Request{
		Query:  "budget review",
		Mode:   ModeSemantic,
		Filter: repository.EmailFilter{AccountIDs: []string{account.ID}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Emails)
}

func TestSearchHybridDegradesWhenSemanticFails(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	svc := NewService(store, failingEmbedder{}, indexer.NewMemoryIndex(), searchConfig())

	seedEmail(t, store, account.ID, "p1", "budget review", "numbers")

	result, err := svc.Search(context.Background(), Request{
		Query:  "budget",
		Filter: repository.EmailFilter{AccountIDs: []string{account.ID}},
	})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, ModeHybrid, result.Mode)
	require.Len(t, result.Emails, 1)
	assert.Equal(t, "budget review", result.Emails[0].Subject)
}

func TestSearchHybridIsDeterministic(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	embedder := embed.NewLocalEmbedder(16)
	index := indexer.NewMemoryIndex()
	svc := NewService(store, embedder, index, searchConfig())

	for i := 0; i < 5; i++ {
		email := seedEmail(t, store, account.ID,
			fmt.Sprintf("p%d", i), fmt.Sprintf("budget item %d", i), "quarterly numbers")
		indexEmail(t, embedder, index, email)
	}

	req := Request{Query: "budget", Filter: repository.EmailFilter{AccountIDs: []string{account.ID}}}
	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, first.Emails)

	for run := 0; run < 3; run++ {
		again, err := svc.Search(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, again.Emails, len(first.Emails))
		for i := range first.Emails {
			assert.Equal(t, first.Emails[i].ID, again.Emails[i].ID)
		}
	}
}

func email(id string) *maildomain.Email {
	return &maildomain.Email{ID: id}
}

func TestFuseRRFBothListsBeatOne(t *testing.T) {
	a, b, c := email("a"), email("b"), email("c")

	fused := fuseRRF(60, []*maildomain.Email{a, b}, []*maildomain.Email{b, c})
	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0].ID, "email present in both lists ranks first")
}

func TestFuseRRFTieBreaksOnEmailID(t *testing.T) {
	a, b := email("zz"), email("aa")

	// Same rank in disjoint lists: identical scores, id decides.
	fused := fuseRRF(60, []*maildomain.Email{a}, []*maildomain.Email{b})
	require.Len(t, fused, 2)
	assert.Equal(t, "aa", fused[0].ID)
	assert.Equal(t, "zz", fused[1].ID)
}

func TestRecentQueriesMRU(t *testing.T) {
	r := newRecentQueries(3)
	r.record("alpha")
	r.record("beta")
	r.record("gamma")
	assert.Equal(t, []string{"gamma", "beta", "alpha"}, r.list())

	// Re-running moves to front without duplicating.
	r.record("Alpha")
	assert.Equal(t, []string{"Alpha", "gamma", "beta"}, r.list())

	// Capacity evicts the oldest.
	r.record("delta")
	assert.Equal(t, []string{"delta", "Alpha", "gamma"}, r.list())
}

func TestRecentQueriesSuggest(t *testing.T) {
	r := newRecentQueries(10)
	r.record("budget report")
	r.record("lunch plans")
	r.record("budget")

	got := r.suggest("budget", 10)
	require.NotEmpty(t, got)
	assert.Equal(t, "budget", got[0], "exact match outranks prefix match")
	assert.Contains(t, got, "budget report")
	assert.NotContains(t, got, "lunch plans")

	// Empty prefix falls back to plain recency.
	assert.Equal(t, []string{"budget", "lunch plans", "budget report"}, r.suggest("", 10))
}
