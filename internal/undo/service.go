package undo

import (
	"sync"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/google/uuid"
)

// Entry captures the state a local mutation replaced, so the mutation can
// be reversed within the undo window.
type Entry struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	EmailID    string    `json:"email_id"`
	Field      string    `json:"field"`
	PrevBool   bool      `json:"prev_bool"`
	PrevLabels []string  `json:"prev_labels,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the entry's undo window has closed.
func (e *Entry) Expired(window time.Duration, now time.Time) bool {
	return now.Sub(e.CreatedAt) > window
}

// Service is an in-memory, bounded history of undoable local mutations.
// Entries expire after the configured window; the oldest entry is evicted
// when the history is full. Undo state does not survive a restart.
type Service struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries []*Entry // newest first
}

const defaultMaxEntries = 100

func NewService(window time.Duration, max int) *Service {
	if max <= 0 {
		max = defaultMaxEntries
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Service{window: window, max: max}
}

// RecordFlag remembers a flag's previous value before a local mutation.
func (s *Service) RecordFlag(accountID, emailID, field string, prevValue bool) *Entry {
	return s.push(&Entry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		EmailID:   emailID,
		Field:     field,
		PrevBool:  prevValue,
		CreatedAt: time.Now(),
	})
}

// RecordLabels remembers the previous label set before a local mutation.
func (s *Service) RecordLabels(accountID, emailID string, prevLabels []string) *Entry {
	labels := make([]string, len(prevLabels))
	copy(labels, prevLabels)
	return s.push(&Entry{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		EmailID:    emailID,
		Field:      maildomain.FieldLabels,
		PrevLabels: labels,
		CreatedAt:  time.Now(),
	})
}

func (s *Service) push(e *Entry) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]*Entry{e}, s.entries...)
	if len(s.entries) > s.max {
		s.entries = s.entries[:s.max]
	}
	return e
}

// Take removes and returns the entry if it exists and is still inside the
// undo window. A taken entry cannot be undone twice.
func (s *Service) Take(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i, e := range s.entries {
		if e.ID != id {
			continue
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		if e.Expired(s.window, now) {
			return nil, false
		}
		return e, true
	}
	return nil, false
}

// List returns entries still inside the undo window, newest first. Expired
// entries are pruned as a side effect.
func (s *Service) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	live := s.entries[:0]
	for _, e := range s.entries {
		if !e.Expired(s.window, now) {
			live = append(live, e)
		}
	}
	s.entries = live

	out := make([]*Entry, len(live))
	copy(out, live)
	return out
}
