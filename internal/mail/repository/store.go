package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	maildomain "mailmirror/internal/mail/domain"

	"gorm.io/gorm"
)

// Store is the durable local mirror. The sync engine is the only writer
// per account; readers (search, API) go through plain queries and never
// block on a writer thanks to WAL snapshots.
//
// Every committed transaction that touches emails emits one ordered
// notification per affected email on the change feed. The feed is bounded;
// when it is full the committing writer blocks rather than dropping
// entries — index correctness matters more than indexer latency.
type Store struct {
	db     *gorm.DB
	feed   chan maildomain.ChangeNotification
	feedMu sync.Mutex // preserves commit order across concurrent account writers
}

// Migrate creates or updates the mirror schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&maildomain.Account{},
		&maildomain.SyncState{},
		&maildomain.Thread{},
		&maildomain.Email{},
		&maildomain.Label{},
		&maildomain.EmailLabel{},
		&maildomain.Contact{},
		&maildomain.PendingMutation{},
		&maildomain.Embedding{},
	)
}

// NewStore wraps an open database and migrates the schema.
func NewStore(db *gorm.DB, feedCapacity int) (*Store, error) {
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if feedCapacity <= 0 {
		feedCapacity = 256
	}
	return &Store{
		db:   db,
		feed: make(chan maildomain.ChangeNotification, feedCapacity),
	}, nil
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Feed returns the change-notification feed consumed by the indexer.
func (s *Store) Feed() <-chan maildomain.ChangeNotification { return s.feed }

// Tx is one write transaction. Notifications collected during the
// transaction are published only after the commit succeeds.
type Tx struct {
	db      *gorm.DB
	pending []maildomain.ChangeNotification
}

// Notify queues a change notification for publication after commit.
func (t *Tx) Notify(accountID, emailID, op string) {
	t.pending = append(t.pending, maildomain.ChangeNotification{
		AccountID: accountID,
		EmailID:   emailID,
		Op:        op,
	})
}

// WithTx runs fn inside a single transaction. On any error the transaction
// rolls back and nothing reaches the feed; errors are wrapped as storage
// errors so callers can count them toward the needs-repair escalation.
// Cancellation is observed here, at the transaction boundary, never inside.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &Tx{}
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx.db = gtx
		return fn(tx)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", maildomain.ErrStorage, err)
	}

	// Publish in commit order. The lock serializes interleaving across
	// accounts; the blocking send applies backpressure when the feed is full.
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for _, n := range tx.pending {
		s.feed <- n
	}
	return nil
}
