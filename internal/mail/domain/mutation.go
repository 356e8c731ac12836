package domain

import (
	"strings"
	"time"
)

// Locally mutable fields. Everything else on an Email is remote-owned.
const (
	FieldRead     = "read"
	FieldStarred  = "starred"
	FieldArchived = "archived"
	FieldDeleted  = "deleted"
	FieldSpam     = "spam"
	FieldLabels   = "labels"
)

// Flags only the server can set. On a version tie the remote value wins for
// these; for user-settable flags local intent wins.
var serverOwnedFlags = map[string]bool{
	"delivered": true,
	FieldSpam:   true,
}

// ServerOwnedFlag reports whether a flag field is owned by the server.
func ServerOwnedFlag(field string) bool {
	return serverOwnedFlags[field]
}

// Pending mutation statuses.
const (
	MutationStatusPending = "pending"
	MutationStatusFailed  = "failed" // remote rejected, surfaced to the user
)

// PendingMutation is one locally queued change waiting to be pushed to the
// remote. Version records the field's logical version at mutation time and
// drives the last-writer-wins merge against concurrent remote changes.
type PendingMutation struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	AccountID   string    `json:"account_id" gorm:"index;not null"`
	EmailID     string    `json:"email_id" gorm:"index;not null"`
	ProviderID  string    `json:"provider_id"`
	Field       string    `json:"field" gorm:"not null"`
	BoolValue   bool      `json:"bool_value"`
	LabelsValue string    `json:"labels_value"` // comma-joined label names for FieldLabels
	Version     int64     `json:"version"`
	Status      string    `json:"status" gorm:"index;default:pending"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt" gorm:"index"`
	LastError   string    `json:"last_error"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LabelNames splits LabelsValue back into individual label names.
func (m *PendingMutation) LabelNames() []string {
	if m.LabelsValue == "" {
		return nil
	}
	parts := strings.Split(m.LabelsValue, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
