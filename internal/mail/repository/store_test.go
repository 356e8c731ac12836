package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store, err := NewStore(db, 1024)
	require.NoError(t, err)
	return store
}

func newTestAccount(t *testing.T, store *Store) *maildomain.Account {
	t.Helper()
	account := &maildomain.Account{Email: "user@example.com", Provider: maildomain.ProviderIMAP}
	require.NoError(t, store.CreateAccount(account))
	return account
}

func remoteEmail(providerID, subject, body string) *maildomain.RemoteEmail {
	return &maildomain.RemoteEmail{
		ProviderID:       providerID,
		ProviderThreadID: "thread-" + providerID,
		Subject:          subject,
		Body:             body,
		FromEmail:        "sender@example.com",
		FromName:         "Sender",
		To:               []string{"user@example.com"},
		SentAt:           time.Now().Add(-time.Hour),
	}
}

func upsertOne(t *testing.T, store *Store, accountID string, remote *maildomain.RemoteEmail) *maildomain.Email {
	t.Helper()
	var email *maildomain.Email
	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		email, err = tx.UpsertRemoteEmail(accountID, remote, 8000)
		return err
	}))
	return email
}

func drainFeed(store *Store) []maildomain.ChangeNotification {
	var out []maildomain.ChangeNotification
	for {
		select {
		case n := <-store.Feed():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestUpsertRemoteEmailIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)

	remote := remoteEmail("p1", "hello", "body")
	first := upsertOne(t, store, account.ID, remote)
	second := upsertOne(t, store, account.ID, remote)
	assert.Equal(t, first.ID, second.ID)

	emails, err := store.ListEmails(EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	assert.Len(t, emails, 1)

	threads, err := store.ListThreads(account.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].EmailCount)
}

func TestUpsertPreservesLocalFlagsOnContentUpdate(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	email := upsertOne(t, store, account.ID, remoteEmail("p1", "hello", "body"))

	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.ApplyLocalFlag(email, maildomain.FieldStarred, true)
		return err
	}))

	updated := upsertOne(t, store, account.ID, remoteEmail("p1", "hello edited", "body edited"))
	assert.Equal(t, "hello edited", updated.Subject)
	assert.True(t, updated.Starred)
	assert.Equal(t, int64(1), updated.StarredVersion)
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	email := upsertOne(t, store, account.ID, remoteEmail("p1", "hello", "body"))

	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.ApplyLocalFlag(email, maildomain.FieldDeleted, true)
		return err
	}))

	got, err := store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "tombstoned email hidden from reads")

	// A replayed remote upsert must not bring the email back.
	upsertOne(t, store, account.ID, remoteEmail("p1", "hello again", "body"))
	got, err = store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFeedPublishesOnlyAfterCommit(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)

	err := store.WithTx(context.Background(), func(tx *Tx) error {
		if _, err := tx.UpsertRemoteEmail(account.ID, remoteEmail("p1", "hello", "body"), 8000); err != nil {
			return err
		}
		return fmt.Errorf("forced rollback")
	})
	require.Error(t, err)
	assert.Empty(t, drainFeed(store), "rolled-back transaction reaches the feed")

	emails, listErr := store.ListEmails(EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, listErr)
	assert.Empty(t, emails)
}

func TestFeedPreservesCommitOrder(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)

	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		for _, id := range []string{"p1", "p2", "p3"} {
			if _, err := tx.UpsertRemoteEmail(account.ID, remoteEmail(id, "subject "+id, "body"), 8000); err != nil {
				return err
			}
		}
		return nil
	}))

	notifications := drainFeed(store)
	require.Len(t, notifications, 3)
	for _, n := range notifications {
		assert.Equal(t, maildomain.FeedUpsert, n.Op)
		assert.Equal(t, account.ID, n.AccountID)
	}
}

func TestWithTxWrapsStorageErrors(t *testing.T) {
	store := newTestStore(t)
	err := store.WithTx(context.Background(), func(tx *Tx) error {
		return fmt.Errorf("disk on fire")
	})
	assert.ErrorIs(t, err, maildomain.ErrStorage)
}

func TestApplyLocalFlagQueuesMutationWithVersionBump(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	email := upsertOne(t, store, account.ID, remoteEmail("p1", "hello", "body"))

	var mutation *maildomain.PendingMutation
	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		mutation, err = tx.ApplyLocalFlag(email, maildomain.FieldRead, true)
		return err
	}))

	assert.Equal(t, maildomain.FieldRead, mutation.Field)
	assert.True(t, mutation.BoolValue)
	assert.Equal(t, int64(1), mutation.Version)

	got, err := store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, int64(1), got.ReadVersion)

	due, err := store.DuePendingMutations(account.ID, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, mutation.ID, due[0].ID)
}

func TestDeferredMutationNotDueUntilDeadline(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	email := upsertOne(t, store, account.ID, remoteEmail("p1", "hello", "body"))

	var mutation *maildomain.PendingMutation
	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		mutation, err = tx.ApplyLocalFlag(email, maildomain.FieldRead, true)
		return err
	}))

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, store.DeferMutation(mutation.ID, 1, deadline, "rate limited"))

	due, err := store.DuePendingMutations(account.ID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DuePendingMutations(account.ID, deadline.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestKeywordSearchRanksSubjectMatchesFirst(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)

	bodyHit := remoteEmail("p1", "weekly report", "the quarterly budget numbers")
	bodyHit.SentAt = time.Now().Add(-time.Minute) // newer than the subject hit
	subjectHit := remoteEmail("p2", "budget review", "see attachment")
	subjectHit.SentAt = time.Now().Add(-2 * time.Hour)
	upsertOne(t, store, account.ID, bodyHit)
	upsertOne(t, store, account.ID, subjectHit)

	results, err := store.KeywordSearch("budget", EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "budget review", results[0].Subject)

	// Deterministic across repeated runs.
	again, err := store.KeywordSearch("budget", EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.Len(t, again, 2)
	for i := range results {
		assert.Equal(t, results[i].ID, again[i].ID)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	email := upsertOne(t, store, account.ID, remoteEmail("p1", "hello", "body"))

	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		if _, err := tx.ApplyLocalLabels(email, []string{"work"}); err != nil {
			return err
		}
		_, err := tx.ApplyLocalFlag(email, maildomain.FieldRead, true)
		return err
	}))

	require.NoError(t, store.DeleteAccount(account.ID))

	got, err := store.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	emails, err := store.ListEmails(EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	assert.Empty(t, emails)

	due, err := store.DuePendingMutations(account.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	threads, err := store.ListThreads(account.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestResetMirrorKeepsAccountAndRewindsCursor(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	upsertOne(t, store, account.ID, remoteEmail("p1", "hello", "body"))

	// GetSyncState creates the row lazily; it must exist before the cursor
	// can advance.
	_, err := store.GetSyncState(account.ID, "INBOX")
	require.NoError(t, err)
	require.NoError(t, store.AdvanceCursor(account.ID, "INBOX", "cursor-42"))
	require.NoError(t, store.UpdateAccountStatus(account.ID, maildomain.AccountStatusNeedsRepair, 3))

	state, err := store.GetSyncState(account.ID, "INBOX")
	require.NoError(t, err)
	require.Equal(t, "cursor-42", state.Cursor)

	require.NoError(t, store.ResetMirror(account.ID))

	got, err := store.GetAccount(account.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, maildomain.AccountStatusActive, got.Status)
	assert.Equal(t, 0, got.StorageErrors)

	state, err = store.GetSyncState(account.ID, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, state.Cursor)

	emails, err := store.ListEmails(EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	assert.Empty(t, emails)
}

func TestContactsAggregateAcrossEmails(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)

	first := remoteEmail("p1", "hello", "body")
	second := remoteEmail("p2", "again", "body")
	upsertOne(t, store, account.ID, first)
	upsertOne(t, store, account.ID, second)

	contacts, err := store.ListContacts(account.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, contacts)
	var sender *maildomain.Contact
	for _, c := range contacts {
		if c.Email == "sender@example.com" {
			sender = c
		}
	}
	require.NotNil(t, sender)
	assert.Equal(t, 2, sender.SeenCount)
}
