package repository

import (
	"strings"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/google/uuid"
)

// ApplyLocalFlag mutates a user-settable flag inside the transaction:
// bumps the field's version, persists the email, and queues the mutation
// for push. Returns the queued mutation.
func (t *Tx) ApplyLocalFlag(email *maildomain.Email, field string, value bool) (*maildomain.PendingMutation, error) {
	_, version, ok := email.FlagValue(field)
	if !ok {
		return nil, maildomain.ErrNotFound
	}
	email.SetFlag(field, value, version+1)
	if err := t.SaveEmailFlags(email); err != nil {
		return nil, err
	}

	mutation := &maildomain.PendingMutation{
		ID:         uuid.New().String(),
		AccountID:  email.AccountID,
		EmailID:    email.ID,
		ProviderID: email.ProviderID,
		Field:      field,
		BoolValue:  value,
		Version:    version + 1,
		Status:     maildomain.MutationStatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	return mutation, t.db.Create(mutation).Error
}

// ApplyLocalLabels replaces the label set locally and queues the push.
func (t *Tx) ApplyLocalLabels(email *maildomain.Email, labels []string) (*maildomain.PendingMutation, error) {
	version := email.LabelsVersion + 1
	if err := t.SetEmailLabels(email, labels, version); err != nil {
		return nil, err
	}

	mutation := &maildomain.PendingMutation{
		ID:          uuid.New().String(),
		AccountID:   email.AccountID,
		EmailID:     email.ID,
		ProviderID:  email.ProviderID,
		Field:       maildomain.FieldLabels,
		LabelsValue: strings.Join(labels, ","),
		Version:     version,
		Status:      maildomain.MutationStatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	return mutation, t.db.Create(mutation).Error
}

// PendingMutationsForEmail returns queued mutations for one email,
// optionally narrowed to a field, oldest first.
func (t *Tx) PendingMutationsForEmail(emailID, field string) ([]*maildomain.PendingMutation, error) {
	var mutations []*maildomain.PendingMutation
	q := t.db.Where("email_id = ? AND status = ?", emailID, maildomain.MutationStatusPending)
	if field != "" {
		q = q.Where("field = ?", field)
	}
	err := q.Order("created_at ASC, id ASC").Find(&mutations).Error
	return mutations, err
}

// DeleteMutation removes a queued mutation (pushed or discarded by merge).
func (t *Tx) DeleteMutation(id string) error {
	return t.db.Delete(&maildomain.PendingMutation{}, "id = ?", id).Error
}

// DuePendingMutations returns an account's mutations ready for push,
// oldest first. Mutations backing off are excluded until their deadline.
func (s *Store) DuePendingMutations(accountID string, now time.Time) ([]*maildomain.PendingMutation, error) {
	var mutations []*maildomain.PendingMutation
	err := s.db.Where("account_id = ? AND status = ? AND next_attempt <= ?",
		accountID, maildomain.MutationStatusPending, now).
		Order("created_at ASC, id ASC").Find(&mutations).Error
	return mutations, err
}

// DeferMutation reschedules a transiently failed mutation.
func (s *Store) DeferMutation(id string, attempts int, nextAttempt time.Time, lastError string) error {
	return s.db.Model(&maildomain.PendingMutation{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":     attempts,
			"next_attempt": nextAttempt,
			"last_error":   lastError,
			"updated_at":   time.Now(),
		}).Error
}

// MarkMutationFailed records a terminal remote rejection. The mutation is
// kept and surfaced; it is never retried automatically.
func (s *Store) MarkMutationFailed(id, reason string) error {
	return s.db.Model(&maildomain.PendingMutation{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     maildomain.MutationStatusFailed,
			"last_error": reason,
			"updated_at": time.Now(),
		}).Error
}

// DeletePushedMutation removes a mutation after a successful push.
func (s *Store) DeletePushedMutation(id string) error {
	return s.db.Delete(&maildomain.PendingMutation{}, "id = ?", id).Error
}

// FailedMutations lists surfaced mutations for the account status view.
func (s *Store) FailedMutations(accountID string) ([]*maildomain.PendingMutation, error) {
	var mutations []*maildomain.PendingMutation
	err := s.db.Where("account_id = ? AND status = ?", accountID, maildomain.MutationStatusFailed).
		Order("updated_at DESC").Find(&mutations).Error
	return mutations, err
}
