package repository

import (
	"strings"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// touchContacts folds one observed email's sender and recipients into the
// derived contact set.
func (t *Tx) touchContacts(accountID string, remote *maildomain.RemoteEmail, now time.Time) error {
	if remote.FromEmail != "" {
		if err := t.bumpContact(accountID, remote.FromEmail, remote.FromName, remote.SentAt, now); err != nil {
			return err
		}
	}
	for _, addr := range remote.To {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		if err := t.bumpContact(accountID, addr, "", remote.SentAt, now); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) bumpContact(accountID, address, name string, seenAt, now time.Time) error {
	address = strings.ToLower(address)

	var contact maildomain.Contact
	err := t.db.Where("account_id = ? AND email = ?", accountID, address).First(&contact).Error
	if err == gorm.ErrRecordNotFound {
		contact = maildomain.Contact{
			ID:         uuid.New().String(),
			AccountID:  accountID,
			Email:      address,
			Name:       name,
			SeenCount:  1,
			LastSeenAt: seenAt,
		}
		return t.db.Create(&contact).Error
	}
	if err != nil {
		return err
	}

	contact.SeenCount++
	if name != "" {
		contact.Name = name
	}
	if seenAt.After(contact.LastSeenAt) {
		contact.LastSeenAt = seenAt
	}
	return t.db.Save(&contact).Error
}

// ListContacts returns an account's derived contacts, most seen first.
func (s *Store) ListContacts(accountID string, limit int) ([]*maildomain.Contact, error) {
	var contacts []*maildomain.Contact
	q := s.db.Where("account_id = ?", accountID).
		Order("seen_count DESC, email ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&contacts).Error
	return contacts, err
}

// RebuildContacts drops and re-derives the contact set from stored emails.
// Contacts are not authoritative, so a full rebuild is always safe.
func (s *Store) RebuildContacts(accountID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&maildomain.Contact{}).Error; err != nil {
			return err
		}

		var emails []*maildomain.Email
		if err := tx.Where("account_id = ? AND deleted = ?", accountID, false).
			Order("sent_at ASC").Find(&emails).Error; err != nil {
			return err
		}

		now := time.Now()
		wtx := &Tx{db: tx}
		for _, e := range emails {
			remote := &maildomain.RemoteEmail{
				FromEmail: e.FromEmail,
				FromName:  e.FromName,
				To:        e.Recipients(),
				SentAt:    e.SentAt,
			}
			if err := wtx.touchContacts(accountID, remote, now); err != nil {
				return err
			}
		}
		return nil
	})
}
