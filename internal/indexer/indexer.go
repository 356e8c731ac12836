package indexer

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/pkg/config"
	"mailmirror/pkg/embed"
)

// pendingItem is one email waiting to be (re)embedded. Repeated feed
// notifications for the same email collapse into the latest item; only
// dueAt moves, so a burst of edits produces a single embedding call.
type pendingItem struct {
	accountID string
	dueAt     time.Time
	attempts  int
	force     bool
}

// Indexer consumes the store's change feed and keeps the similarity index
// consistent with email content. Staleness is decided by content hash, so
// flag-only updates never trigger a re-embed. Embedding failures are
// retried with backoff without blocking the feed consumer.
type Indexer struct {
	store    *repository.Store
	embedder embed.Embedder
	index    VectorIndex
	cfg      *config.Config

	mu      sync.Mutex
	pending map[string]*pendingItem // emailID -> queued work
	deletes map[string]string       // emailID -> accountID
}

func NewIndexer(store *repository.Store, embedder embed.Embedder, index VectorIndex, cfg *config.Config) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		pending:  make(map[string]*pendingItem),
		deletes:  make(map[string]string),
	}
}

// Index returns the similarity index for query-side consumers.
func (ix *Indexer) Index() VectorIndex { return ix.index }

// Warm loads stored vectors into the similarity index. Only meaningful for
// the in-process index; a remote index already holds its vectors.
func (ix *Indexer) Warm(ctx context.Context) error {
	const page = 500
	for offset := 0; ; offset += page {
		rows, err := ix.store.ListEmbeddings(offset, page)
		if err != nil {
			return err
		}
		for _, row := range rows {
			vec, err := row.VectorData()
			if err != nil {
				log.Printf("[Indexer] [WARN] Skipping corrupt vector for email %s: %v", row.EmailID, err)
				continue
			}
			if err := ix.index.Upsert(ctx, row.AccountID, row.EmailID, "", vec); err != nil {
				return err
			}
		}
		if len(rows) < page {
			return nil
		}
	}
}

// Run consumes the change feed until ctx is cancelled. A single goroutine
// both drains the feed and flushes due batches, so index writes for one
// email are naturally serialized.
func (ix *Indexer) Run(ctx context.Context) {
	flushEvery := ix.cfg.EmbedDebounce / 2
	if flushEvery <= 0 {
		flushEvery = 100 * time.Millisecond
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	log.Printf("[Indexer] Started (debounce=%s batch=%d)", ix.cfg.EmbedDebounce, ix.cfg.EmbedBatchSize)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Indexer] Stopped")
			return
		case n := <-ix.store.Feed():
			ix.observe(n)
		case <-ticker.C:
			ix.flush(ctx)
		}
	}
}

func (ix *Indexer) observe(n maildomain.ChangeNotification) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	switch n.Op {
	case maildomain.FeedDelete:
		delete(ix.pending, n.EmailID)
		ix.deletes[n.EmailID] = n.AccountID
	case maildomain.FeedUpsert:
		delete(ix.deletes, n.EmailID)
		item := ix.pending[n.EmailID]
		if item == nil {
			item = &pendingItem{accountID: n.AccountID}
			ix.pending[n.EmailID] = item
		}
		// Later notification restarts the debounce window and clears any
		// retry schedule: new content supersedes the failed attempt.
		item.dueAt = time.Now().Add(ix.cfg.EmbedDebounce)
		item.attempts = 0
	}
}

// Enqueue schedules an email for embedding outside the feed path, used by
// rebuilds. force bypasses the content-hash staleness check.
func (ix *Indexer) enqueue(accountID, emailID string, force bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.deletes, emailID)
	ix.pending[emailID] = &pendingItem{
		accountID: accountID,
		dueAt:     time.Now(),
		force:     force,
	}
}

// flush applies queued deletes and embeds due items in per-batch chunks.
func (ix *Indexer) flush(ctx context.Context) {
	now := time.Now()

	ix.mu.Lock()
	deletes := ix.deletes
	ix.deletes = make(map[string]string)

	due := make([]string, 0, len(ix.pending))
	for emailID, item := range ix.pending {
		if !item.dueAt.After(now) {
			due = append(due, emailID)
		}
	}
	// Deterministic processing order keeps rebuild progress observable.
	sort.Strings(due)
	ix.mu.Unlock()

	for emailID := range deletes {
		ix.remove(ctx, emailID)
	}

	for start := 0; start < len(due); start += ix.cfg.EmbedBatchSize {
		end := start + ix.cfg.EmbedBatchSize
		if end > len(due) {
			end = len(due)
		}
		ix.processBatch(ctx, due[start:end])
		if ctx.Err() != nil {
			return
		}
	}
}

// processBatch embeds one batch of emails. Items whose stored vector is
// already fresh are dropped; the rest share a single embedding call.
func (ix *Indexer) processBatch(ctx context.Context, emailIDs []string) {
	type job struct {
		emailID string
		email   *maildomain.Email
		hash    string
		text    string
	}
	jobs := make([]job, 0, len(emailIDs))

	for _, emailID := range emailIDs {
		ix.mu.Lock()
		item := ix.pending[emailID]
		force := item != nil && item.force
		ix.mu.Unlock()
		if item == nil {
			continue
		}

		email, err := ix.store.GetEmail(emailID)
		if err != nil {
			log.Printf("[Indexer] [ERROR] Failed to load email %s: %v", emailID, err)
			ix.reschedule(emailID)
			continue
		}
		if email == nil {
			// Deleted or tombstoned since the notification was queued.
			ix.forget(emailID)
			ix.remove(ctx, emailID)
			continue
		}

		hash := email.ComputeContentHash(ix.cfg.EmbedMaxTextLen)
		if !force {
			existing, err := ix.store.GetEmbedding(emailID)
			if err != nil {
				log.Printf("[Indexer] [ERROR] Failed to load embedding for %s: %v", emailID, err)
				ix.reschedule(emailID)
				continue
			}
			if existing != nil && existing.ContentHash == hash {
				ix.forget(emailID)
				continue
			}
		}

		jobs = append(jobs, job{
			emailID: emailID,
			email:   email,
			hash:    hash,
			text:    email.EmbedText(ix.cfg.EmbedMaxTextLen),
		})
	}

	if len(jobs) == 0 {
		return
	}

	texts := make([]string, len(jobs))
	for i, j := range jobs {
		texts[i] = j.text
	}

	embedCtx, cancel := context.WithTimeout(ctx, ix.cfg.EmbedTimeout)
	vectors, err := ix.embedder.EmbedTexts(embedCtx, texts)
	cancel()
	if err != nil {
		log.Printf("[Indexer] [WARN] Embedding batch of %d failed, will retry: %v", len(jobs), err)
		for _, j := range jobs {
			ix.reschedule(j.emailID)
		}
		return
	}

	for i, j := range jobs {
		row := &maildomain.Embedding{
			EmailID:     j.emailID,
			AccountID:   j.email.AccountID,
			ContentHash: j.hash,
		}
		if err := row.SetVector(vectors[i]); err != nil {
			log.Printf("[Indexer] [ERROR] Failed to encode vector for %s: %v", j.emailID, err)
			ix.forget(j.emailID)
			continue
		}
		if err := ix.store.UpsertEmbedding(row); err != nil {
			log.Printf("[Indexer] [ERROR] Failed to store embedding for %s: %v", j.emailID, err)
			ix.reschedule(j.emailID)
			continue
		}
		if err := ix.index.Upsert(ctx, j.email.AccountID, j.emailID, j.text, vectors[i]); err != nil {
			log.Printf("[Indexer] [ERROR] Failed to index vector for %s: %v", j.emailID, err)
			ix.reschedule(j.emailID)
			continue
		}
		ix.forget(j.emailID)
	}
}

func (ix *Indexer) remove(ctx context.Context, emailID string) {
	if err := ix.store.DeleteEmbedding(emailID); err != nil {
		log.Printf("[Indexer] [WARN] Failed to delete embedding row for %s: %v", emailID, err)
	}
	if err := ix.index.Delete(ctx, emailID); err != nil {
		log.Printf("[Indexer] [WARN] Failed to delete index entry for %s: %v", emailID, err)
	}
}

func (ix *Indexer) forget(emailID string) {
	ix.mu.Lock()
	delete(ix.pending, emailID)
	ix.mu.Unlock()
}

// reschedule pushes an item's due time out with full-jitter backoff,
// floored at the retry base so a failure never retries on the next tick.
func (ix *Indexer) reschedule(emailID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	item := ix.pending[emailID]
	if item == nil {
		return
	}
	item.attempts++
	delay := ix.cfg.EmbedRetryBase << uint(item.attempts-1)
	if delay <= 0 || delay > ix.cfg.EmbedRetryCap {
		delay = ix.cfg.EmbedRetryCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay) + 1))
	if jitter < ix.cfg.EmbedRetryBase {
		jitter = ix.cfg.EmbedRetryBase
	}
	item.dueAt = time.Now().Add(jitter)
}

// DropAccount discards queued work and index state for an account. Called
// when the account is removed; the store cascade handles the rows.
func (ix *Indexer) DropAccount(accountID string) {
	ix.mu.Lock()
	for emailID, item := range ix.pending {
		if item.accountID == accountID {
			delete(ix.pending, emailID)
		}
	}
	for emailID, owner := range ix.deletes {
		if owner == accountID {
			delete(ix.deletes, emailID)
		}
	}
	ix.mu.Unlock()

	if err := ix.index.DeleteAccount(context.Background(), accountID); err != nil {
		log.Printf("[Indexer] [WARN] Failed to drop index state for account %s: %v", accountID, err)
	}
}

// RebuildAccount drops the account's index state and re-enqueues every live
// email with the staleness check bypassed. Progress resumes through the
// normal batch path.
func (ix *Indexer) RebuildAccount(accountID string) error {
	if err := ix.index.DeleteAccount(context.Background(), accountID); err != nil {
		return err
	}
	ids, err := ix.store.ListEmailIDs(accountID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		ix.enqueue(accountID, id, true)
	}
	log.Printf("[Indexer] Rebuild queued for account %s (%d emails)", accountID, len(ids))
	return nil
}

// PendingCount reports queued work, used by stats and tests.
func (ix *Indexer) PendingCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.pending) + len(ix.deletes)
}
