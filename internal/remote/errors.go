package remote

import "errors"

// Failure classes for push/pull attempts. The orchestrator's retry policy
// keys off these: transient and auth failures are retried (auth only after a
// credential refresh), validation and conflict failures are terminal.
var (
	ErrTransient    = errors.New("transient network failure")
	ErrUnauthorized = errors.New("unauthenticated")
	ErrValidation   = errors.New("validation rejected")
	ErrConflict     = errors.New("version conflict")
)

// IsRetryable reports whether the failure may succeed on a later attempt
// without any external intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsConflict reports whether the remote rejected a push with a conflict
// signal.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnauthorized reports whether the failure requires a credential refresh
// before any retry can succeed.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTerminal reports whether retrying is pointless: client-side validation
// failures and conflicts are never retried automatically.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict)
}
