// Package creds models the credential collaborator: third-party
// credentials arrive pre-resolved (already refreshed and decrypted) and
// are handed to the sandbox as environment variables and to the embedded
// agent server via its credential-injection call. This package never
// performs refresh or decryption itself.
package creds

import (
	"context"
	"time"
)

// Credential is one provider's credential in either of the two shapes
// the embedded agent server accepts.
type Credential struct {
	// OAuth shape.
	Access  string    `json:"access,omitempty"`
	Refresh string    `json:"refresh,omitempty"`
	Expiry  time.Time `json:"expiry,omitempty"`

	// API-key shape.
	Key string `json:"key,omitempty"`
}

// IsOAuth reports whether the credential carries the OAuth shape.
func (c Credential) IsOAuth() bool { return c.Access != "" }

// Source supplies a user's resolved credentials.
type Source interface {
	// Resolve returns the user's credentials keyed by integration
	// provider (e.g. "github", "slack").
	Resolve(ctx context.Context, userID string) (map[string]Credential, error)

	// Env returns a flat environment map for sandbox injection, keyed by
	// variable name.
	Env(ctx context.Context, userID string) (map[string]string, error)
}

// Static is a Source backed by a fixed map, used for single-tenant
// deployments configured from the config file and for tests.
type Static struct {
	Credentials map[string]Credential
	EnvVars     map[string]string
}

var _ Source = (*Static)(nil)

func (s *Static) Resolve(ctx context.Context, userID string) (map[string]Credential, error) {
	return s.Credentials, nil
}

func (s *Static) Env(ctx context.Context, userID string) (map[string]string, error) {
	return s.EnvVars, nil
}
