package usecase

import (
	"context"
	"fmt"

	maildomain "mailmirror/internal/mail/domain"
	"mailmirror/internal/mail/repository"
	"mailmirror/internal/undo"
)

// SyncKicker nudges the sync loop so queued mutations push promptly
// instead of waiting for the next scheduled cycle.
type SyncKicker interface {
	TriggerSync(accountID string)
}

// Service is the local mutation surface. Every mutation applies to the
// mirror immediately, queues a push, records an undo entry and kicks the
// account's sync loop. Reads never touch the network.
type Service struct {
	store  *repository.Store
	undo   *undo.Service
	kicker SyncKicker
}

func NewService(store *repository.Store, undoSvc *undo.Service, kicker SyncKicker) *Service {
	return &Service{store: store, undo: undoSvc, kicker: kicker}
}

// EmailView is an email plus its attached label names.
type EmailView struct {
	*maildomain.Email
	Labels []string `json:"labels"`
}

// GetEmail returns one email with labels, or ErrNotFound.
func (s *Service) GetEmail(emailID string) (*EmailView, error) {
	email, err := s.store.GetEmail(emailID)
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, maildomain.ErrNotFound
	}
	labels, err := s.store.EmailLabels(emailID)
	if err != nil {
		return nil, err
	}
	return &EmailView{Email: email, Labels: labels}, nil
}

// ListEmails returns filtered emails, newest first.
func (s *Service) ListEmails(f repository.EmailFilter) ([]*maildomain.Email, error) {
	return s.store.ListEmails(f)
}

// ListThreads returns an account's threads, most recently active first.
func (s *Service) ListThreads(accountID string, limit, offset int) ([]*maildomain.Thread, error) {
	return s.store.ListThreads(accountID, limit, offset)
}

// ListThreadEmails returns a thread's emails oldest first.
func (s *Service) ListThreadEmails(threadID string) ([]*maildomain.Email, error) {
	return s.store.ListThreadEmails(threadID)
}

// ListContacts returns derived contacts, most seen first.
func (s *Service) ListContacts(accountID string, limit int) ([]*maildomain.Contact, error) {
	return s.store.ListContacts(accountID, limit)
}

// SetFlag applies a local flag mutation. Server-owned flags are not
// locally mutable. Returns the undo entry for the change.
func (s *Service) SetFlag(ctx context.Context, emailID, field string, value bool) (*undo.Entry, error) {
	if maildomain.ServerOwnedFlag(field) {
		return nil, fmt.Errorf("field %s is server-owned and cannot be changed locally", field)
	}

	email, err := s.store.GetEmail(emailID)
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, maildomain.ErrNotFound
	}
	prev, _, ok := email.FlagValue(field)
	if !ok {
		return nil, fmt.Errorf("unknown flag field %s", field)
	}
	if prev == value {
		return nil, nil
	}

	if err := s.applyFlag(ctx, email, field, value); err != nil {
		return nil, err
	}
	entry := s.undo.RecordFlag(email.AccountID, emailID, field, prev)
	s.kicker.TriggerSync(email.AccountID)
	return entry, nil
}

// MarkRead, ToggleStar, Archive and Trash are the named mutations the
// handlers expose; each is a flag write underneath.

func (s *Service) MarkRead(ctx context.Context, emailID string, read bool) (*undo.Entry, error) {
	return s.SetFlag(ctx, emailID, maildomain.FieldRead, read)
}

func (s *Service) ToggleStar(ctx context.Context, emailID string) (*undo.Entry, error) {
	email, err := s.store.GetEmail(emailID)
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, maildomain.ErrNotFound
	}
	return s.SetFlag(ctx, emailID, maildomain.FieldStarred, !email.Starred)
}

func (s *Service) Archive(ctx context.Context, emailID string, archived bool) (*undo.Entry, error) {
	return s.SetFlag(ctx, emailID, maildomain.FieldArchived, archived)
}

func (s *Service) Trash(ctx context.Context, emailID string) (*undo.Entry, error) {
	return s.SetFlag(ctx, emailID, maildomain.FieldDeleted, true)
}

// SetLabels replaces an email's label set locally and queues the push.
func (s *Service) SetLabels(ctx context.Context, emailID string, labels []string) (*undo.Entry, error) {
	email, err := s.store.GetEmail(emailID)
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, maildomain.ErrNotFound
	}
	prev, err := s.store.EmailLabels(emailID)
	if err != nil {
		return nil, err
	}

	if err := s.applyLabels(ctx, email, labels); err != nil {
		return nil, err
	}
	entry := s.undo.RecordLabels(email.AccountID, emailID, prev)
	s.kicker.TriggerSync(email.AccountID)
	return entry, nil
}

// Undo reverses a recorded mutation by applying the previous value as a
// fresh local mutation, version bump and push included. The reversal is
// not itself undoable.
func (s *Service) Undo(ctx context.Context, entryID string) error {
	entry, ok := s.undo.Take(entryID)
	if !ok {
		return fmt.Errorf("%w: undo entry expired or unknown", maildomain.ErrNotFound)
	}

	email, err := s.store.GetEmail(entry.EmailID)
	if err != nil {
		return err
	}
	if email == nil {
		return fmt.Errorf("%w: email no longer exists", maildomain.ErrNotFound)
	}

	if entry.Field == maildomain.FieldLabels {
		err = s.applyLabels(ctx, email, entry.PrevLabels)
	} else {
		err = s.applyFlag(ctx, email, entry.Field, entry.PrevBool)
	}
	if err != nil {
		return err
	}
	s.kicker.TriggerSync(email.AccountID)
	return nil
}

// UndoHistory lists entries still inside the undo window.
func (s *Service) UndoHistory() []*undo.Entry {
	return s.undo.List()
}

func (s *Service) applyFlag(ctx context.Context, email *maildomain.Email, field string, value bool) error {
	return s.store.WithTx(ctx, func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalFlag(email, field, value)
		return err
	})
}

func (s *Service) applyLabels(ctx context.Context, email *maildomain.Email, labels []string) error {
	return s.store.WithTx(ctx, func(tx *repository.Tx) error {
		_, err := tx.ApplyLocalLabels(email, labels)
		return err
	})
}
