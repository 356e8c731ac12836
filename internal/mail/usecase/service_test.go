package usecase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/internal/undo"
	"mailmirror/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingKicker struct {
	kicks []string
}

func (k *recordingKicker) TriggerSync(accountID string) {
	k.kicks = append(k.kicks, accountID)
}

func newTestService(t *testing.T) (*Service, *repository.Store, *recordingKicker) {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store, err := repository.NewStore(db, 1024)
	require.NoError(t, err)
	kicker := &recordingKicker{}
	return NewService(store, undo.NewService(time.Minute, 10), kicker), store, kicker
}

func seedEmail(t *testing.T, store *repository.Store) (*maildomain.Account, *maildomain.Email) {
	t.Helper()
	account := &maildomain.Account{Email: "user@example.com", Provider: maildomain.ProviderIMAP}
	require.NoError(t, store.CreateAccount(account))

	var email *maildomain.Email
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		email, err = tx.UpsertRemoteEmail(account.ID, &maildomain.RemoteEmail{
			ProviderID:       "p1",
			ProviderThreadID: "t1",
			Subject:          "hello",
			Body:             "body",
			FromEmail:        "sender@example.com",
			To:               []string{"user@example.com"},
			SentAt:           time.Now().Add(-time.Hour),
		}, 8000)
		return err
	}))
	drainFeed(store)
	return account, email
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

func TestMarkReadRecordsUndoAndKicksSync(t *testing.T) {
	svc, store, kicker := newTestService(t)
	account, email := seedEmail(t, store)

	entry, err := svc.MarkRead(context.Background(), email.ID, true)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, maildomain.FieldRead, entry.Field)
	assert.False(t, entry.PrevBool)
	assert.Equal(t, []string{account.ID}, kicker.kicks)

	got, err := store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)

	due, err := store.DuePendingMutations(account.ID, time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSetFlagNoOpWhenValueUnchanged(t *testing.T) {
	svc, store, kicker := newTestService(t)
	account, email := seedEmail(t, store)

	entry, err := svc.MarkRead(context.Background(), email.ID, false)
	require.NoError(t, err)
	assert.Nil(t, entry, "no-op produces no undo entry")
	assert.Empty(t, kicker.kicks)

	due, err := store.DuePendingMutations(account.ID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "no-op queues nothing")
}

func TestSetFlagRejectsServerOwnedFields(t *testing.T) {
	svc, store, _ := newTestService(t)
	_, email := seedEmail(t, store)

	_, err := svc.SetFlag(context.Background(), email.ID, maildomain.FieldSpam, true)
	assert.Error(t, err)
}

func TestSetFlagUnknownEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.MarkRead(context.Background(), "missing", true)
	assert.ErrorIs(t, err, maildomain.ErrNotFound)
}

func TestToggleStarFlips(t *testing.T) {
	svc, store, _ := newTestService(t)
	_, email := seedEmail(t, store)

	_, err := svc.ToggleStar(context.Background(), email.ID)
	require.NoError(t, err)
	got, err := store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.True(t, got.Starred)

	_, err = svc.ToggleStar(context.Background(), email.ID)
	require.NoError(t, err)
	got, err = store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.False(t, got.Starred)
}

func TestUndoRestoresPreviousFlagAsFreshMutation(t *testing.T) {
	svc, store, _ := newTestService(t)
	account, email := seedEmail(t, store)

	entry, err := svc.MarkRead(context.Background(), email.ID, true)
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, svc.Undo(context.Background(), entry.ID))

	got, err := store.GetEmail(email.ID)
	require.NoError(t, err)
	assert.False(t, got.Read)
	assert.Equal(t, int64(2), got.ReadVersion, "reversal bumps the version again")

	due, err := store.DuePendingMutations(account.ID, time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 2, "both the mutation and its reversal queue pushes")

	// Not undoable twice.
	assert.ErrorIs(t, svc.Undo(context.Background(), entry.ID), maildomain.ErrNotFound)
}

func TestSetLabelsAndUndo(t *testing.T) {
	svc, store, _ := newTestService(t)
	_, email := seedEmail(t, store)

	entry, err := svc.SetLabels(context.Background(), email.ID, []string{"work", "travel"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Empty(t, entry.PrevLabels)

	labels, err := store.EmailLabels(email.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "travel"}, labels)

	require.NoError(t, svc.Undo(context.Background(), entry.ID))
	labels, err = store.EmailLabels(email.ID)
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestGetEmailIncludesLabels(t *testing.T) {
	svc, store, _ := newTestService(t)
	_, email := seedEmail(t, store)
	_, err := svc.SetLabels(context.Background(), email.ID, []string{"work"})
	require.NoError(t, err)

	view, err := svc.GetEmail(email.ID)
	require.NoError(t, err)
	assert.Equal(t, email.ID, view.ID)
	assert.Equal(t, []string{"work"}, view.Labels)
}
