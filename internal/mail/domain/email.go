package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Thread groups emails sharing a conversation identity. Membership is
// derived from the remote source of truth and never reassigned locally.
type Thread struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	AccountID        string    `json:"account_id" gorm:"index;uniqueIndex:idx_thread_account_provider;not null"`
	ProviderThreadID string    `json:"provider_thread_id" gorm:"uniqueIndex:idx_thread_account_provider;not null"`
	Subject          string    `json:"subject"`
	LastEmailAt      time.Time `json:"last_email_at" gorm:"index"`
	EmailCount       int       `json:"email_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Email is an immutable remote payload (subject, body, sender, timestamp)
// plus mutable local flags. Identity key is (AccountID, ProviderID); every
// flag carries a logical version counter used for last-writer-wins merges.
//
// A row with Deleted=true is a tombstone: it hides the email everywhere and
// blocks resurrection when a stale cursor re-delivers the original change.
type Email struct {
	ID         string `json:"id" gorm:"primaryKey"`
	AccountID  string `json:"account_id" gorm:"index;uniqueIndex:idx_email_account_provider;not null"`
	ProviderID string `json:"provider_id" gorm:"uniqueIndex:idx_email_account_provider;not null"`
	ThreadID   string `json:"thread_id" gorm:"index"`

	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Snippet   string    `json:"snippet"`
	FromName  string    `json:"from_name"`
	FromEmail string    `json:"from_email" gorm:"index"`
	ToEmails  string    `json:"to_emails"` // comma-separated recipient addresses
	SentAt    time.Time `json:"sent_at" gorm:"index"`

	Read     bool `json:"read"`
	Starred  bool `json:"starred"`
	Archived bool `json:"archived"`
	Deleted  bool `json:"deleted" gorm:"index"`
	Spam     bool `json:"spam"` // server-classified, remote wins ties

	ReadVersion     int64 `json:"-"`
	StarredVersion  int64 `json:"-"`
	ArchivedVersion int64 `json:"-"`
	DeletedVersion  int64 `json:"-"`
	SpamVersion     int64 `json:"-"`
	LabelsVersion   int64 `json:"-"`

	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FlagValue returns the current value and version of a named flag field.
func (e *Email) FlagValue(field string) (value bool, version int64, ok bool) {
	switch field {
	case FieldRead:
		return e.Read, e.ReadVersion, true
	case FieldStarred:
		return e.Starred, e.StarredVersion, true
	case FieldArchived:
		return e.Archived, e.ArchivedVersion, true
	case FieldDeleted:
		return e.Deleted, e.DeletedVersion, true
	case FieldSpam:
		return e.Spam, e.SpamVersion, true
	}
	return false, 0, false
}

// SetFlag writes a flag field together with its new version.
func (e *Email) SetFlag(field string, value bool, version int64) {
	switch field {
	case FieldRead:
		e.Read, e.ReadVersion = value, version
	case FieldStarred:
		e.Starred, e.StarredVersion = value, version
	case FieldArchived:
		e.Archived, e.ArchivedVersion = value, version
	case FieldDeleted:
		e.Deleted, e.DeletedVersion = value, version
	case FieldSpam:
		e.Spam, e.SpamVersion = value, version
	}
}

// EmbedText returns the text handed to the embedding model: subject plus
// body, truncated to maxLen bytes.
func (e *Email) EmbedText(maxLen int) string {
	text := e.Subject + "\n" + e.Body
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

// ComputeContentHash hashes the embed text. An embedding whose stored hash
// differs from the current value is stale and must be recomputed.
func (e *Email) ComputeContentHash(maxLen int) string {
	sum := sha256.Sum256([]byte(e.EmbedText(maxLen)))
	return hex.EncodeToString(sum[:])
}

// Recipients splits ToEmails back into individual addresses.
func (e *Email) Recipients() []string {
	if e.ToEmails == "" {
		return nil
	}
	parts := strings.Split(e.ToEmails, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Label is a named tag, many-to-many with Email through EmailLabel.
type Label struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	AccountID string    `json:"account_id" gorm:"uniqueIndex:idx_label_account_name;not null"`
	Name      string    `json:"name" gorm:"uniqueIndex:idx_label_account_name;not null"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailLabel joins emails and labels.
type EmailLabel struct {
	EmailID string `json:"email_id" gorm:"primaryKey"`
	LabelID string `json:"label_id" gorm:"primaryKey;index"`
}

// Contact is a derived sender/recipient identity aggregated from observed
// emails. It is not authoritative and can be rebuilt at any time.
type Contact struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	AccountID  string    `json:"account_id" gorm:"uniqueIndex:idx_contact_account_email;not null"`
	Email      string    `json:"email" gorm:"uniqueIndex:idx_contact_account_email;not null"`
	Name       string    `json:"name"`
	SeenCount  int       `json:"seen_count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
