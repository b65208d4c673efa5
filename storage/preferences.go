package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PutPreference seals value and stores it under name, replacing any previous value.
func (s *Store) PutPreference(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("preference name is required")
	}

	sealed, err := s.sealer.Seal(name, []byte(value))
	if err != nil {
		return fmt.Errorf("seal preference %q: %w", name, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO preferences (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name,
		sealed,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put preference %q: %w", name, err)
	}

	return nil
}

// GetPreference returns the opened value stored under name, or ErrNotFound.
func (s *Store) GetPreference(name string) (string, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE name = ?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference %q: %w", name, err)
	}

	value, err := s.sealer.Open(name, sealed)
	if err != nil {
		return "", err
	}

	return string(value), nil
}

// DeletePreference removes name. Missing preferences are not an error.
func (s *Store) DeletePreference(name string) error {
	if _, err := s.db.Exec(`DELETE FROM preferences WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete preference %q: %w", name, err)
	}
	return nil
}

// PutPreferences stores several values in one transaction.
func (s *Store) PutPreferences(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin preferences transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowUnixMilli()
	for name, value := range values {
		sealed, err := s.sealer.Seal(name, []byte(value))
		if err != nil {
			return fmt.Errorf("seal preference %q: %w", name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO preferences (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			name,
			sealed,
			now,
		); err != nil {
			return fmt.Errorf("put preference %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit preferences transaction: %w", err)
	}
	return nil
}

// CachedAccessToken returns the cached push access token and its expiry, or ErrNotFound.
func (s *Store) CachedAccessToken() (string, time.Time, error) {
	value, err := s.GetPreference(PrefAccessToken)
	if err != nil {
		return "", time.Time{}, err
	}
	rawExpiry, err := s.GetPreference(PrefTokenExpiration)
	if err != nil {
		return "", time.Time{}, err
	}

	expiry, err := strconv.ParseInt(rawExpiry, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse token expiration: %w", err)
	}

	return value, time.UnixMilli(expiry), nil
}

// CacheAccessToken stores the push access token with its expiry.
func (s *Store) CacheAccessToken(value string, expiresAt time.Time) error {
	return s.PutPreferences(map[string]string{
		PrefAccessToken:     value,
		PrefTokenExpiration: strconv.FormatInt(expiresAt.UnixMilli(), 10),
	})
}

// ClearLocalState wipes preferences and rate-limit counters. The security event log is kept.
func (s *Store) ClearLocalState() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM preferences`); err != nil {
		return fmt.Errorf("clear preferences: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM rate_limit_state`); err != nil {
		return fmt.Errorf("clear rate limit state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear transaction: %w", err)
	}
	return nil
}
