package remote

import "context"

// CredentialProvider supplies the bearer token for backend calls and a
// refresh hook invoked after an unauthenticated failure. Token acquisition
// itself is owned elsewhere; the engine only consumes this capability.
type CredentialProvider interface {
	// Token returns the current bearer token, or an error when no valid
	// session exists.
	Token(ctx context.Context) (string, error)

	// Refresh attempts to renew the session. A refresh failure makes the
	// unauthenticated state terminal for the current cycle.
	Refresh(ctx context.Context) error
}

// StaticCredentials is a CredentialProvider backed by a fixed API key.
// Refresh is a no-op: the key either works or it doesn't.
type StaticCredentials struct {
	APIKey string
}

func (s StaticCredentials) Token(ctx context.Context) (string, error) {
	return s.APIKey, nil
}

func (s StaticCredentials) Refresh(ctx context.Context) error {
	return nil
}
