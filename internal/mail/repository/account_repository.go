package repository

import (
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateAccount persists a new account.
func (s *Store) CreateAccount(account *maildomain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.Status == "" {
		account.Status = maildomain.AccountStatusActive
	}
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	return s.db.Create(account).Error
}

// GetAccount looks up one account by id.
func (s *Store) GetAccount(id string) (*maildomain.Account, error) {
	var account maildomain.Account
	err := s.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts() ([]*maildomain.Account, error) {
	var accounts []*maildomain.Account
	err := s.db.Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

// UpdateAccountStatus sets the visible status and resets or bumps the
// consecutive storage-error counter.
func (s *Store) UpdateAccountStatus(id, status string, storageErrors int) error {
	return s.db.Model(&maildomain.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"storage_errors": storageErrors,
			"updated_at":     time.Now(),
		}).Error
}

// UpdateAccountAuthRef replaces the stored credential reference, used when
// a user re-authenticates a paused account.
func (s *Store) UpdateAccountAuthRef(id, authRef string) error {
	return s.db.Model(&maildomain.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"auth_ref":   authRef,
			"updated_at": time.Now(),
		}).Error
}

// DeleteAccount removes the account and cascades to every owned entity.
// Indexer state for the account is discarded separately by the caller;
// the cascade itself does not flood the change feed.
func (s *Store) DeleteAccount(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("label_id IN (SELECT id FROM labels WHERE account_id = ?)", id).
			Delete(&maildomain.EmailLabel{}).Error; err != nil {
			return err
		}
		for _, model := range []interface{}{
			&maildomain.Embedding{},
			&maildomain.PendingMutation{},
			&maildomain.Email{},
			&maildomain.Thread{},
			&maildomain.Label{},
			&maildomain.Contact{},
			&maildomain.SyncState{},
		} {
			if err := tx.Where("account_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&maildomain.Account{}, "id = ?", id).Error
	})
}

// ResetMirror drops every mirrored entity for the account but keeps the
// account row, rewinds the cursor and clears the needs-repair state. The
// next sync cycle rebuilds the mirror from remote.
func (s *Store) ResetMirror(accountID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("label_id IN (SELECT id FROM labels WHERE account_id = ?)", accountID).
			Delete(&maildomain.EmailLabel{}).Error; err != nil {
			return err
		}
		for _, model := range []interface{}{
			&maildomain.Embedding{},
			&maildomain.PendingMutation{},
			&maildomain.Email{},
			&maildomain.Thread{},
			&maildomain.Label{},
			&maildomain.Contact{},
		} {
			if err := tx.Where("account_id = ?", accountID).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&maildomain.SyncState{}).Where("account_id = ?", accountID).
			Updates(map[string]interface{}{"cursor": "", "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return tx.Model(&maildomain.Account{}).Where("id = ?", accountID).
			Updates(map[string]interface{}{
				"status":         maildomain.AccountStatusActive,
				"storage_errors": 0,
				"updated_at":     time.Now(),
			}).Error
	})
}

// GetSyncState returns the cursor row for (account, mailbox), creating an
// empty one on first use.
func (s *Store) GetSyncState(accountID, mailbox string) (*maildomain.SyncState, error) {
	var state maildomain.SyncState
	err := s.db.Where("account_id = ? AND mailbox = ?", accountID, mailbox).First(&state).Error
	if err == gorm.ErrRecordNotFound {
		state = maildomain.SyncState{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Mailbox:   mailbox,
			UpdatedAt: time.Now(),
		}
		return &state, s.db.Create(&state).Error
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// AdvanceCursor moves the sync cursor forward. It runs outside the change
// batch transaction, strictly after that batch committed: a crash in
// between leaves the cursor unmoved and the next cycle re-fetches the same
// idempotent changes. An empty next cursor never overwrites progress.
func (s *Store) AdvanceCursor(accountID, mailbox, cursor string) error {
	if cursor == "" {
		return nil
	}
	now := time.Now()
	return s.db.Model(&maildomain.SyncState{}).
		Where("account_id = ? AND mailbox = ?", accountID, mailbox).
		Updates(map[string]interface{}{
			"cursor":       cursor,
			"last_sync_at": now,
			"updated_at":   now,
		}).Error
}

// AccountStats is the read-only per-account dashboard payload.
type AccountStats struct {
	AccountID string `json:"account_id"`
	Emails    int64  `json:"emails"`
	Unread    int64  `json:"unread"`
	Starred   int64  `json:"starred"`
	Threads   int64  `json:"threads"`
	Contacts  int64  `json:"contacts"`
	Indexed   int64  `json:"indexed"`
	Pending   int64  `json:"pending_mutations"`
	Failed    int64  `json:"failed_mutations"`
}

// Stats aggregates mirror counts for one account.
func (s *Store) Stats(accountID string) (*AccountStats, error) {
	stats := &AccountStats{AccountID: accountID}
	live := s.db.Model(&maildomain.Email{}).Where("account_id = ? AND deleted = ?", accountID, false)

	if err := live.Session(&gorm.Session{}).Count(&stats.Emails).Error; err != nil {
		return nil, err
	}
	if err := live.Session(&gorm.Session{}).Where("read = ?", false).Count(&stats.Unread).Error; err != nil {
		return nil, err
	}
	if err := live.Session(&gorm.Session{}).Where("starred = ?", true).Count(&stats.Starred).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&maildomain.Thread{}).Where("account_id = ?", accountID).Count(&stats.Threads).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&maildomain.Contact{}).Where("account_id = ?", accountID).Count(&stats.Contacts).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&maildomain.Embedding{}).Where("account_id = ?", accountID).Count(&stats.Indexed).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&maildomain.PendingMutation{}).
		Where("account_id = ? AND status = ?", accountID, maildomain.MutationStatusPending).Count(&stats.Pending).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&maildomain.PendingMutation{}).
		Where("account_id = ? AND status = ?", accountID, maildomain.MutationStatusFailed).Count(&stats.Failed).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
