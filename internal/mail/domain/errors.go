package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuth marks authentication failures. Sync for the affected account is
// paused until credentials are refreshed; other accounts are unaffected.
var ErrAuth = errors.New("authentication required")

// ErrStorage marks local store failures. The enclosing transaction is
// rolled back; repeated storage errors on one account escalate to
// AccountStatusNeedsRepair.
var ErrStorage = errors.New("storage error")

// ErrNotFound marks lookups for entities that do not exist locally.
var ErrNotFound = errors.New("not found")

// TransientError wraps retryable conditions (network failures, rate
// limits). RetryAfter is the provider-suggested backoff; zero means the
// caller picks its own schedule.
type TransientError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RemoteRejectedError marks a mutation the remote refused. It is terminal
// for that mutation: surfaced, never retried automatically.
type RemoteRejectedError struct {
	Reason string
}

func (e *RemoteRejectedError) Error() string {
	return "remote rejected mutation: " + e.Reason
}

// IsTransient reports whether err is retryable and the suggested backoff.
func IsTransient(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// IsRemoteRejected reports whether err is a terminal remote rejection.
func IsRemoteRejected(err error) (string, bool) {
	var re *RemoteRejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// IsAuthError reports whether err requires re-authentication.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}
