package repository

import (
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"gorm.io/gorm"
)

// GetEmbedding returns the stored vector row for an email, nil if absent.
func (s *Store) GetEmbedding(emailID string) (*maildomain.Embedding, error) {
	var embedding maildomain.Embedding
	err := s.db.Where("email_id = ?", emailID).First(&embedding).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &embedding, nil
}

// UpsertEmbedding writes the vector row computed by the indexer.
func (s *Store) UpsertEmbedding(embedding *maildomain.Embedding) error {
	embedding.UpdatedAt = time.Now()
	existing, err := s.GetEmbedding(embedding.EmailID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.db.Create(embedding).Error
	}
	return s.db.Save(embedding).Error
}

// DeleteEmbedding removes the vector row for a deleted email.
func (s *Store) DeleteEmbedding(emailID string) error {
	return s.db.Delete(&maildomain.Embedding{}, "email_id = ?", emailID).Error
}

// ListEmbeddings streams stored vector rows in pages, used to warm an
// in-process index at startup.
func (s *Store) ListEmbeddings(offset, limit int) ([]*maildomain.Embedding, error) {
	var embeddings []*maildomain.Embedding
	err := s.db.Order("email_id ASC").Offset(offset).Limit(limit).Find(&embeddings).Error
	return embeddings, err
}

// ListEmailIDs returns every live email id for an account, used when the
// similarity index is rebuilt.
func (s *Store) ListEmailIDs(accountID string) ([]string, error) {
	var ids []string
	err := s.db.Model(&maildomain.Email{}).
		Where("account_id = ? AND deleted = ?", accountID, false).
		Order("sent_at ASC").Pluck("id", &ids).Error
	return ids, err
}
