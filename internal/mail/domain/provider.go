package domain

import "context"

// ProviderClient fetches remote mailbox deltas and pushes local mutations
// to one specific backend. Implementations are independent variants chosen
// at account creation time; there is no shared base.
//
// FetchChanges is read-only on the remote and returns one finite page of
// changes plus the cursor to resume from. PushMutation must be idempotent
// from the caller's perspective: a retried push never duplicates remote
// state. Rate limiting is the client's job — it returns a TransientError
// with a suggested backoff instead of blocking.
type ProviderClient interface {
	FetchChanges(ctx context.Context, mailbox, cursor string) ([]*RemoteChange, string, error)
	PushMutation(ctx context.Context, mutation *PendingMutation) error
	Authenticate(ctx context.Context) error
}
