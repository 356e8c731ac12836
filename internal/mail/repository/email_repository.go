package repository

import (
	"strings"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EmailFilter narrows email listings and keyword search.
type EmailFilter struct {
	AccountIDs []string
	ThreadID   string
	LabelName  string
	From       string
	To         string
	Unread     *bool
	Starred    *bool
	Archived   *bool
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func applyFilter(q *gorm.DB, f EmailFilter) *gorm.DB {
	q = q.Where("emails.deleted = ?", false)
	if len(f.AccountIDs) > 0 {
		q = q.Where("emails.account_id IN ?", f.AccountIDs)
	}
	if f.ThreadID != "" {
		q = q.Where("emails.thread_id = ?", f.ThreadID)
	}
	if f.LabelName != "" {
		q = q.Where("emails.id IN (SELECT el.email_id FROM email_labels el JOIN labels l ON l.id = el.label_id WHERE l.name = ?)", f.LabelName)
	}
	if f.From != "" {
		q = q.Where("emails.from_email = ?", f.From)
	}
	if f.To != "" {
		q = q.Where("emails.to_emails LIKE ?", "%"+f.To+"%")
	}
	if f.Unread != nil && *f.Unread {
		q = q.Where("emails.read = ?", false)
	}
	if f.Starred != nil && *f.Starred {
		q = q.Where("emails.starred = ?", true)
	}
	if f.Archived != nil {
		q = q.Where("emails.archived = ?", *f.Archived)
	}
	if f.Since != nil {
		q = q.Where("emails.sent_at >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("emails.sent_at <= ?", *f.Until)
	}
	return q
}

// GetEmail looks up one email by local id. Returns nil when missing or
// tombstoned.
func (s *Store) GetEmail(id string) (*maildomain.Email, error) {
	var email maildomain.Email
	err := s.db.Where("id = ?", id).First(&email).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	if email.Deleted {
		return nil, nil
	}
	return &email, nil
}

// ListEmails returns emails matching the filter, newest first.
func (s *Store) ListEmails(f EmailFilter) ([]*maildomain.Email, error) {
	var emails []*maildomain.Email
	q := applyFilter(s.db.Model(&maildomain.Email{}), f).
		Order("emails.sent_at DESC, emails.id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	err := q.Find(&emails).Error
	return emails, err
}

// ListThreadEmails returns a thread's emails ordered by send time ascending.
func (s *Store) ListThreadEmails(threadID string) ([]*maildomain.Email, error) {
	var emails []*maildomain.Email
	err := s.db.Where("thread_id = ? AND deleted = ?", threadID, false).
		Order("sent_at ASC, id ASC").Find(&emails).Error
	return emails, err
}

// ListThreads returns an account's threads ordered by most recent email.
func (s *Store) ListThreads(accountID string, limit, offset int) ([]*maildomain.Thread, error) {
	var threads []*maildomain.Thread
	q := s.db.Where("account_id = ?", accountID).
		Order("last_email_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	err := q.Find(&threads).Error
	return threads, err
}

// KeywordSearch matches query words against subject, body and sender
// fields. Results rank subject matches first, then recency; the final
// EmailID ordering keeps repeated queries deterministic.
func (s *Store) KeywordSearch(query string, f EmailFilter) ([]*maildomain.Email, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	pattern := "%" + strings.ToLower(query) + "%"

	var emails []*maildomain.Email
	q := applyFilter(s.db.Model(&maildomain.Email{}), f).
		Select("emails.*, CASE WHEN LOWER(emails.subject) LIKE ? THEN 0 ELSE 1 END AS subject_rank", pattern).
		Where("(LOWER(emails.subject) LIKE ? OR LOWER(emails.body) LIKE ? OR LOWER(emails.from_email) LIKE ? OR LOWER(emails.from_name) LIKE ?)",
			pattern, pattern, pattern, pattern).
		Order("subject_rank, emails.sent_at DESC, emails.id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	err := q.Find(&emails).Error
	return emails, err
}

// EmailLabels returns the label names attached to one email, sorted.
func (s *Store) EmailLabels(emailID string) ([]string, error) {
	var names []string
	err := s.db.Model(&maildomain.Label{}).
		Joins("JOIN email_labels el ON el.label_id = labels.id").
		Where("el.email_id = ?", emailID).
		Order("labels.name ASC").
		Pluck("labels.name", &names).Error
	return names, err
}

// ListEmailsByIDs returns the filtered subset of the given ids, used to
// hydrate similarity-index hits. Order is not significant; callers re-rank.
func (s *Store) ListEmailsByIDs(ids []string, f EmailFilter) ([]*maildomain.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var emails []*maildomain.Email
	err := applyFilter(s.db.Model(&maildomain.Email{}), f).
		Where("emails.id IN ?", ids).Find(&emails).Error
	return emails, err
}

// GetEmailByProviderID looks up an email by its identity key, including
// tombstones. Used by the sync engine during merge.
func (t *Tx) GetEmailByProviderID(accountID, providerID string) (*maildomain.Email, error) {
	var email maildomain.Email
	err := t.db.Where("account_id = ? AND provider_id = ?", accountID, providerID).First(&email).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &email, nil
}

// UpsertRemoteEmail applies a New/Updated remote payload idempotently.
// Content fields always take the remote value; local flags and their
// versions are preserved on an existing row. The label set is written only
// on first insert; on an existing row the merge resolves labels against
// queued local edits. Tombstoned emails are never resurrected.
func (t *Tx) UpsertRemoteEmail(accountID string, remote *maildomain.RemoteEmail, maxTextLen int) (*maildomain.Email, error) {
	existing, err := t.GetEmailByProviderID(accountID, remote.ProviderID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Deleted {
		return existing, nil
	}

	now := time.Now()
	thread, err := t.upsertThread(accountID, remote, now)
	if err != nil {
		return nil, err
	}

	var email *maildomain.Email
	if existing == nil {
		email = &maildomain.Email{
			ID:         uuid.New().String(),
			AccountID:  accountID,
			ProviderID: remote.ProviderID,
			ThreadID:   thread.ID,
			Subject:    remote.Subject,
			Body:       remote.Body,
			Snippet:    remote.Snippet,
			FromName:   remote.FromName,
			FromEmail:  remote.FromEmail,
			ToEmails:   strings.Join(remote.To, ","),
			SentAt:     remote.SentAt,
			Read:       remote.Read,
			Starred:    remote.Starred,
			Archived:   remote.Archived,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		email.ContentHash = email.ComputeContentHash(maxTextLen)
		if err := t.db.Create(email).Error; err != nil {
			return nil, err
		}
		if err := t.touchContacts(accountID, remote, now); err != nil {
			return nil, err
		}
	} else {
		email = existing
		email.ThreadID = thread.ID
		email.Subject = remote.Subject
		email.Body = remote.Body
		email.Snippet = remote.Snippet
		email.FromName = remote.FromName
		email.FromEmail = remote.FromEmail
		email.ToEmails = strings.Join(remote.To, ",")
		email.SentAt = remote.SentAt
		email.ContentHash = email.ComputeContentHash(maxTextLen)
		email.UpdatedAt = now
		if err := t.db.Save(email).Error; err != nil {
			return nil, err
		}
	}

	if existing == nil {
		if err := t.setLabels(email, remote.Labels, email.LabelsVersion); err != nil {
			return nil, err
		}
	}
	if err := t.refreshThreadAggregate(thread); err != nil {
		return nil, err
	}

	t.Notify(accountID, email.ID, maildomain.FeedUpsert)
	return email, nil
}

// SaveEmailFlags persists resolved flag state and emits a feed entry.
func (t *Tx) SaveEmailFlags(email *maildomain.Email) error {
	email.UpdatedAt = time.Now()
	if err := t.db.Save(email).Error; err != nil {
		return err
	}
	t.Notify(email.AccountID, email.ID, maildomain.FeedUpsert)
	return nil
}

// ApplyRemoteDelete removes the email row, its label joins and its stored
// embedding. Remote deletes win unconditionally.
func (t *Tx) ApplyRemoteDelete(email *maildomain.Email) error {
	if err := t.db.Where("email_id = ?", email.ID).Delete(&maildomain.EmailLabel{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("email_id = ?", email.ID).Delete(&maildomain.Embedding{}).Error; err != nil {
		return err
	}
	if err := t.db.Delete(&maildomain.Email{}, "id = ?", email.ID).Error; err != nil {
		return err
	}

	var thread maildomain.Thread
	if err := t.db.Where("id = ?", email.ThreadID).First(&thread).Error; err == nil {
		if err := t.refreshThreadAggregate(&thread); err != nil {
			return err
		}
	}

	t.Notify(email.AccountID, email.ID, maildomain.FeedDelete)
	return nil
}

// SetEmailLabels replaces the email's label set at the given version.
func (t *Tx) SetEmailLabels(email *maildomain.Email, labels []string, version int64) error {
	if err := t.setLabels(email, labels, version); err != nil {
		return err
	}
	email.LabelsVersion = version
	email.UpdatedAt = time.Now()
	if err := t.db.Save(email).Error; err != nil {
		return err
	}
	t.Notify(email.AccountID, email.ID, maildomain.FeedUpsert)
	return nil
}

func (t *Tx) setLabels(email *maildomain.Email, labels []string, version int64) error {
	if err := t.db.Where("email_id = ?", email.ID).Delete(&maildomain.EmailLabel{}).Error; err != nil {
		return err
	}
	for _, name := range labels {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		label, err := t.ensureLabel(email.AccountID, name)
		if err != nil {
			return err
		}
		join := maildomain.EmailLabel{EmailID: email.ID, LabelID: label.ID}
		if err := t.db.Where(&join).FirstOrCreate(&join).Error; err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) ensureLabel(accountID, name string) (*maildomain.Label, error) {
	var label maildomain.Label
	err := t.db.Where("account_id = ? AND name = ?", accountID, name).First(&label).Error
	if err == gorm.ErrRecordNotFound {
		label = maildomain.Label{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Name:      name,
			CreatedAt: time.Now(),
		}
		return &label, t.db.Create(&label).Error
	}
	if err != nil {
		return nil, err
	}
	return &label, nil
}

func (t *Tx) upsertThread(accountID string, remote *maildomain.RemoteEmail, now time.Time) (*maildomain.Thread, error) {
	threadKey := remote.ProviderThreadID
	if threadKey == "" {
		// Providers without native threading get one thread per message.
		threadKey = remote.ProviderID
	}

	var thread maildomain.Thread
	err := t.db.Where("account_id = ? AND provider_thread_id = ?", accountID, threadKey).First(&thread).Error
	if err == gorm.ErrRecordNotFound {
		thread = maildomain.Thread{
			ID:               uuid.New().String(),
			AccountID:        accountID,
			ProviderThreadID: threadKey,
			Subject:          remote.Subject,
			LastEmailAt:      remote.SentAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return &thread, t.db.Create(&thread).Error
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// refreshThreadAggregate recounts the thread from its emails, which keeps
// re-applied change batches from doubling counts.
func (t *Tx) refreshThreadAggregate(thread *maildomain.Thread) error {
	var count int64
	if err := t.db.Model(&maildomain.Email{}).
		Where("thread_id = ? AND deleted = ?", thread.ID, false).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return t.db.Delete(&maildomain.Thread{}, "id = ?", thread.ID).Error
	}

	var latest maildomain.Email
	if err := t.db.Where("thread_id = ? AND deleted = ?", thread.ID, false).
		Order("sent_at DESC").First(&latest).Error; err != nil {
		return err
	}

	thread.EmailCount = int(count)
	thread.LastEmailAt = latest.SentAt
	thread.UpdatedAt = time.Now()
	return t.db.Save(thread).Error
}
