package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/pkg/config"
	"mailmirror/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store, err := repository.NewStore(db, 1024)
	require.NoError(t, err)
	return store
}

func testConfig() *config.Config {
	return &config.Config{
		NetworkTimeout:    5 * time.Second,
		BackoffBase:       time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
		StorageErrorLimit: 3,
		EmbedMaxTextLen:   8000,
		SyncInterval:      time.Hour,
	}
}

func newTestAccount(t *testing.T, store *repository.Store) *maildomain.Account {
	t.Helper()
	account := &maildomain.Account{Email: "user@example.com", Provider: maildomain.ProviderIMAP}
	require.NoError(t, store.CreateAccount(account))
	return account
}

// fakeProvider serves a scripted sequence of change pages keyed by cursor.
type fakeProvider struct {
	pages      map[string]fakePage
	pushErrs   map[string][]error // mutation id -> errors to return before succeeding
	pushed     []*maildomain.PendingMutation
	fetchCalls int
}

type fakePage struct {
	changes []*maildomain.RemoteChange
	next    string
}

func (f *fakeProvider) FetchChanges(_ context.Context, _, cursor string) ([]*maildomain.RemoteChange, string, error) {
	f.fetchCalls++
	page, ok := f.pages[cursor]
	if !ok {
		return nil, cursor, nil
	}
	return page.changes, page.next, nil
}

func (f *fakeProvider) PushMutation(_ context.Context, m *maildomain.PendingMutation) error {
	if errs := f.pushErrs[m.ID]; len(errs) > 0 {
		err := errs[0]
		f.pushErrs[m.ID] = errs[1:]
		return err
	}
	f.pushed = append(f.pushed, m)
	return nil
}

func (f *fakeProvider) Authenticate(context.Context) error { return nil }

func remoteEmail(providerID, subject string) *maildomain.RemoteEmail {
	return &maildomain.RemoteEmail{
		ProviderID:       providerID,
		ProviderThreadID: "thread-" + providerID,
		Subject:          subject,
		Body:             "body of " + subject,
		FromEmail:        "sender@example.com",
		FromName:         "Sender",
		To:               []string{"user@example.com"},
		SentAt:           time.Now().Add(-time.Hour),
	}
}

func newChange(providerID, subject string) *maildomain.RemoteChange {
	return &maildomain.RemoteChange{
		Kind:       maildomain.ChangeNew,
		ProviderID: providerID,
		Timestamp:  time.Now(),
		Email:      remoteEmail(providerID, subject),
	}
}

func TestRunCycleAppliesChangesAndAdvancesCursor(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	provider := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{
			newChange("p1", "first"),
			newChange("p2", "second"),
		}, next: "c1"},
		"c1": {changes: nil, next: "c1"},
	}}

	require.NoError(t, engine.RunCycle(context.Background(), account, provider))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	assert.Len(t, emails, 2)

	state, err := store.GetSyncState(account.ID, DefaultMailbox)
	require.NoError(t, err)
	assert.Equal(t, "c1", state.Cursor)
}

func TestRunCycleReplayIsIdempotent(t *testing.T) {
	// A crash after commit but before the cursor advance re-fetches the
	// same batch; applying it twice must not duplicate anything.
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	batch := []*maildomain.RemoteChange{newChange("p1", "first")}
	provider := &fakeProvider{pages: map[string]fakePage{
		"":   {changes: batch, next: "c1"},
		"c1": {changes: nil, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, provider))

	// Simulate the lost cursor advance: rewind and replay the same page.
	replay := &fakeProvider{pages: map[string]fakePage{
		"c1": {changes: batch, next: "c2"},
		"c2": {changes: nil, next: "c2"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, replay))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.Len(t, emails, 1)

	threads, err := store.ListThreads(account.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].EmailCount, "thread recount stays stable across replay")
}

func TestRunCyclePushesQueuedMutation(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	seed := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{newChange("p1", "first")}, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, seed))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.Len(t, emails, 1)

	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalFlag(emails[0], maildomain.FieldStarred, true)
		return err
	}))

	pusher := &fakeProvider{pages: map[string]fakePage{}}
	require.NoError(t, engine.RunCycle(context.Background(), account, pusher))

	require.Len(t, pusher.pushed, 1)
	assert.Equal(t, maildomain.FieldStarred, pusher.pushed[0].Field)

	due, err := store.DuePendingMutations(account.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "pushed mutation removed from queue")
}

func TestRunCycleTransientPushFailureRetries(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	seed := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{newChange("p1", "first")}, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, seed))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	var mutID string
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		m, err := tx.ApplyLocalFlag(emails[0], maildomain.FieldRead, true)
		if err != nil {
			return err
		}
		mutID = m.ID
		return nil
	}))

	transient := &maildomain.TransientError{RetryAfter: time.Millisecond, Err: fmt.Errorf("flaky network")}
	provider := &fakeProvider{
		pages:    map[string]fakePage{},
		pushErrs: map[string][]error{mutID: {transient, transient, transient}},
	}

	// Three failing cycles defer the mutation each time.
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.RunCycle(context.Background(), account, provider))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, provider.pushed)

	// Fourth cycle succeeds.
	require.NoError(t, engine.RunCycle(context.Background(), account, provider))
	require.Len(t, provider.pushed, 1)

	email, err := store.GetEmail(emails[0].ID)
	require.NoError(t, err)
	assert.True(t, email.Read, "local value survived the retries")
}

func TestRunCycleRemoteRejectionMarksFailed(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	seed := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{newChange("p1", "first")}, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, seed))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	var mutID string
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		m, err := tx.ApplyLocalFlag(emails[0], maildomain.FieldArchived, true)
		if err != nil {
			return err
		}
		mutID = m.ID
		return nil
	}))

	provider := &fakeProvider{
		pages:    map[string]fakePage{},
		pushErrs: map[string][]error{mutID: {&maildomain.RemoteRejectedError{Reason: "not allowed"}}},
	}
	require.NoError(t, engine.RunCycle(context.Background(), account, provider))

	failed, err := store.FailedMutations(account.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "not allowed", failed[0].LastError)

	email, err := store.GetEmail(emails[0].ID)
	require.NoError(t, err)
	assert.True(t, email.Archived, "local value stays until the user intervenes")
}

func TestRunCycleConcurrentFlagMerge(t *testing.T) {
	// User stars locally while the remote marks the same email read: both
	// effects survive the merge.
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	seed := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{newChange("p1", "first")}, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, seed))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalFlag(emails[0], maildomain.FieldStarred, true)
		return err
	}))

	provider := &fakeProvider{pages: map[string]fakePage{
		"c1": {changes: []*maildomain.RemoteChange{{
			Kind:       maildomain.ChangeFlag,
			ProviderID: "p1",
			Timestamp:  time.Now(),
			Flags: map[string]bool{
				maildomain.FieldRead:    true,
				maildomain.FieldStarred: false, // loses the tie to the queued local star
			},
		}}, next: "c2"},
		"c2": {changes: nil, next: "c2"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, provider))

	email, err := store.GetEmail(emails[0].ID)
	require.NoError(t, err)
	assert.True(t, email.Read, "remote read change applied")
	assert.True(t, email.Starred, "local star survived")
	require.Len(t, provider.pushed, 1)
	assert.Equal(t, maildomain.FieldStarred, provider.pushed[0].Field)
}

func TestRunCycleRedeliveredContentKeepsQueuedLabelEdit(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	first := newChange("p1", "first")
	first.Email.Labels = []string{"inbox"}
	seed := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{first}, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, seed))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalLabels(emails[0], []string{"personal"})
		return err
	}))

	// The same content page re-delivered before the label edit pushes: the
	// remote label set must not clobber the queued local one.
	redelivered := newChange("p1", "first")
	redelivered.Kind = maildomain.ChangeUpdated
	redelivered.Email.Labels = []string{"inbox"}
	replay := &fakeProvider{pages: map[string]fakePage{
		"c1": {changes: []*maildomain.RemoteChange{redelivered}, next: "c2"},
		"c2": {changes: nil, next: "c2"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, replay))

	labels, err := store.EmailLabels(emails[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"personal"}, labels, "local edit stays visible through the merge")
	require.Len(t, replay.pushed, 1)
	assert.Equal(t, maildomain.FieldLabels, replay.pushed[0].Field)
}

func TestRunCycleAuthErrorPropagates(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	provider := &authFailProvider{}
	err := engine.RunCycle(context.Background(), account, provider)
	assert.True(t, maildomain.IsAuthError(err))
}

type authFailProvider struct{}

func (p *authFailProvider) FetchChanges(context.Context, string, string) ([]*maildomain.RemoteChange, string, error) {
	return nil, "", fmt.Errorf("%w: token revoked", maildomain.ErrAuth)
}
func (p *authFailProvider) PushMutation(context.Context, *maildomain.PendingMutation) error {
	return maildomain.ErrAuth
}
func (p *authFailProvider) Authenticate(context.Context) error { return maildomain.ErrAuth }

func TestRunCycleRemoteDeleteDiscardsQueuedMutations(t *testing.T) {
	store := newTestStore(t)
	account := newTestAccount(t, store)
	engine := NewEngine(store, testConfig())

	seed := &fakeProvider{pages: map[string]fakePage{
		"": {changes: []*maildomain.RemoteChange{newChange("p1", "first")}, next: "c1"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, seed))

	emails, err := store.ListEmails(repository.EmailFilter{AccountIDs: []string{account.ID}})
	require.NoError(t, err)
	require.NoError(t, store.WithTx(context.Background(), func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalFlag(emails[0], maildomain.FieldStarred, true)
		return err
	}))

	provider := &fakeProvider{pages: map[string]fakePage{
		"c1": {changes: []*maildomain.RemoteChange{{
			Kind:       maildomain.ChangeDeleted,
			ProviderID: "p1",
			Timestamp:  time.Now(),
		}}, next: "c2"},
		"c2": {changes: nil, next: "c2"},
	}}
	require.NoError(t, engine.RunCycle(context.Background(), account, provider))

	email, err := store.GetEmail(emails[0].ID)
	require.NoError(t, err)
	assert.Nil(t, email)
	assert.Empty(t, provider.pushed, "discarded mutation never pushed")
}
