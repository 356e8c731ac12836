package domain

import "time"

// Account provider kinds. The provider is chosen at account creation and
// never changes for the lifetime of the account.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Account statuses.
const (
	AccountStatusActive      = "active"
	AccountStatusAuthError   = "auth_error"   // sync paused until credentials are refreshed
	AccountStatusNeedsRepair = "needs_repair" // local mirror requires a rebuild from remote
)

// Account is the identity for one remote mailbox. AuthRef is an opaque
// handle into the credential store, never the secret itself.
type Account struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	Email         string    `json:"email" gorm:"index"`
	DisplayName   string    `json:"display_name"`
	Provider      string    `json:"provider" gorm:"not null"`
	AuthRef       string    `json:"auth_ref"`
	Status        string    `json:"status" gorm:"index;default:active"`
	StorageErrors int       `json:"storage_errors"` // consecutive failures, escalates to needs_repair
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SyncState is the per-account, per-mailbox sync cursor. The cursor is an
// opaque provider token and advances only after the corresponding change
// batch has been durably committed.
type SyncState struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	AccountID  string    `json:"account_id" gorm:"uniqueIndex:idx_sync_account_mailbox;not null"`
	Mailbox    string    `json:"mailbox" gorm:"uniqueIndex:idx_sync_account_mailbox;not null"`
	Cursor     string    `json:"cursor"`
	LastSyncAt time.Time `json:"last_sync_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
