// Package identity authenticates users against the identity provider.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrUnknownUser        = errors.New("identity: unknown user")
	ErrUserDisabled       = errors.New("identity: user disabled")
	ErrCredentialExpired  = errors.New("identity: credential expired")
	ErrNotSignedIn        = errors.New("identity: not signed in")
)

// Identity is an authenticated user as seen by the provider.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	IDToken       string
	RefreshToken  string
	ExpiresAt     time.Time
}

// Provider is the identity provider.
type Provider interface {
	// SignIn authenticates with email and password.
	SignIn(ctx context.Context, email, password string) (Identity, error)
	// IsVerified re-checks the credential with the provider and reports whether the
	// email address is verified. A rejected or expired credential yields ErrCredentialExpired.
	IsVerified(ctx context.Context, id Identity) (bool, error)
	// SignOut forgets the current credential.
	SignOut(ctx context.Context) error
	// Current returns the signed-in identity, or ErrNotSignedIn.
	Current() (Identity, error)
}
