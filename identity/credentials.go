package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatguard/storage"
)

// CredentialStore keeps the signed-in credential across restarts. storage.Store satisfies it;
// values are sealed at rest and wiped with the rest of the local state on sign-out.
type CredentialStore interface {
	GetPreference(name string) (string, error)
	PutPreference(name, value string) error
	DeletePreference(name string) error
}

type storedCredential struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	IDToken       string `json:"id_token"`
	RefreshToken  string `json:"refresh_token"`
	ExpiresAt     int64  `json:"expires_at"`
}

func saveCredential(store CredentialStore, id Identity) error {
	var expiresAt int64
	if !id.ExpiresAt.IsZero() {
		expiresAt = id.ExpiresAt.UnixMilli()
	}
	raw, err := json.Marshal(storedCredential{
		UID:           id.UID,
		Email:         id.Email,
		EmailVerified: id.EmailVerified,
		IDToken:       id.IDToken,
		RefreshToken:  id.RefreshToken,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := store.PutPreference(storage.PrefCredential, string(raw)); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// loadCredential returns ErrNotSignedIn when nothing usable is stored.
func loadCredential(store CredentialStore) (Identity, error) {
	raw, err := store.GetPreference(storage.PrefCredential)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && raw == "") {
		return Identity{}, ErrNotSignedIn
	}
	if err != nil {
		return Identity{}, fmt.Errorf("read credential: %w", err)
	}

	var c storedCredential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Identity{}, fmt.Errorf("decode credential: %w", err)
	}
	if c.UID == "" || c.RefreshToken == "" {
		return Identity{}, ErrNotSignedIn
	}

	id := Identity{
		UID:           c.UID,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		IDToken:       c.IDToken,
		RefreshToken:  c.RefreshToken,
	}
	if c.ExpiresAt > 0 {
		id.ExpiresAt = time.UnixMilli(c.ExpiresAt)
	}
	return id, nil
}
