package undo

import (
	"fmt"
	"testing"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeReturnsEntryOnce(t *testing.T) {
	svc := NewService(time.Minute, 10)
	entry := svc.RecordFlag("acc-1", "email-1", maildomain.FieldRead, false)

	got, ok := svc.Take(entry.ID)
	require.True(t, ok)
	assert.Equal(t, maildomain.FieldRead, got.Field)
	assert.False(t, got.PrevBool)

	_, ok = svc.Take(entry.ID)
	assert.False(t, ok, "an entry cannot be undone twice")
}

func TestTakeUnknownID(t *testing.T) {
	svc := NewService(time.Minute, 10)
	_, ok := svc.Take("nope")
	assert.False(t, ok)
}

func TestExpiredEntryCannotBeTaken(t *testing.T) {
	svc := NewService(10*time.Millisecond, 10)
	entry := svc.RecordFlag("acc-1", "email-1", maildomain.FieldStarred, true)

	time.Sleep(20 * time.Millisecond)
	_, ok := svc.Take(entry.ID)
	assert.False(t, ok)
}

func TestHistoryEvictsOldestWhenFull(t *testing.T) {
	svc := NewService(time.Minute, 3)
	first := svc.RecordFlag("acc-1", "email-1", maildomain.FieldRead, false)
	for i := 2; i <= 4; i++ {
		svc.RecordFlag("acc-1", fmt.Sprintf("email-%d", i), maildomain.FieldRead, false)
	}

	assert.Len(t, svc.List(), 3)
	_, ok := svc.Take(first.ID)
	assert.False(t, ok, "oldest entry evicted")
}

func TestListPrunesExpiredAndOrdersNewestFirst(t *testing.T) {
	svc := NewService(50*time.Millisecond, 10)
	svc.RecordFlag("acc-1", "email-1", maildomain.FieldRead, false)
	time.Sleep(60 * time.Millisecond)
	latest := svc.RecordLabels("acc-1", "email-2", []string{"work"})

	entries := svc.List()
	require.Len(t, entries, 1)
	assert.Equal(t, latest.ID, entries[0].ID)
	assert.Equal(t, []string{"work"}, entries[0].PrevLabels)
}

func TestRecordLabelsCopiesSlice(t *testing.T) {
	svc := NewService(time.Minute, 10)
	labels := []string{"work"}
	entry := svc.RecordLabels("acc-1", "email-1", labels)
	labels[0] = "mutated"

	got, ok := svc.Take(entry.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"work"}, got.PrevLabels)
}
