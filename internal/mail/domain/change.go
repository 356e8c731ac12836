package domain

import "time"

// ChangeKind enumerates the deltas a provider can report.
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangeFlag    ChangeKind = "flag"
	ChangeLabel   ChangeKind = "label"
)

// RemoteChange is one discrete delta reported by a provider, tagged with the
// provider-native email id and the provider timestamp of the change.
type RemoteChange struct {
	Kind       ChangeKind
	ProviderID string
	Timestamp  time.Time

	// Email carries the full remote payload for New and Updated changes.
	Email *RemoteEmail
	// Flags carries changed flag fields for Flag changes (field -> value).
	Flags map[string]bool
	// Labels carries the full remote label set for Label changes.
	Labels []string
}

// RemoteEmail is the provider-side representation of a message.
type RemoteEmail struct {
	ProviderID       string
	ProviderThreadID string
	Subject          string
	Body             string
	Snippet          string
	FromName         string
	FromEmail        string
	To               []string
	SentAt           time.Time
	Read             bool
	Starred          bool
	Archived         bool
	Labels           []string
}

// Change feed operations emitted by the local store after commit.
const (
	FeedUpsert = "upsert"
	FeedDelete = "delete"
)

// ChangeNotification is one entry on the local store's change feed. One
// notification is emitted per affected email, in commit order.
type ChangeNotification struct {
	AccountID string
	EmailID   string
	Op        string // FeedUpsert or FeedDelete
}
