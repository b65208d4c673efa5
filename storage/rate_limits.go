package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetRateLimitState loads the counter for identity and action, or ErrNotFound.
func (s *Store) GetRateLimitState(identity, action string) (RateLimitState, error) {
	state := RateLimitState{Identity: identity, Action: action}
	err := s.db.QueryRow(
		`SELECT window_start, count FROM rate_limit_state WHERE identity = ? AND action = ?`,
		identity,
		action,
	).Scan(&state.WindowStart, &state.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitState{}, ErrNotFound
	}
	if err != nil {
		return RateLimitState{}, fmt.Errorf("get rate limit state %s/%s: %w", identity, action, err)
	}

	return state, nil
}

// PutRateLimitState inserts or replaces a counter.
func (s *Store) PutRateLimitState(state RateLimitState) error {
	if err := validateRateLimitKey(state.Identity, state.Action); err != nil {
		return err
	}
	if state.Count < 0 {
		return fmt.Errorf("invalid rate limit count %d", state.Count)
	}

	_, err := s.db.Exec(
		`INSERT INTO rate_limit_state (identity, action, window_start, count) VALUES (?, ?, ?, ?)
		ON CONFLICT(identity, action) DO UPDATE SET window_start = excluded.window_start, count = excluded.count`,
		state.Identity,
		state.Action,
		state.WindowStart,
		state.Count,
	)
	if err != nil {
		return fmt.Errorf("put rate limit state %s/%s: %w", state.Identity, state.Action, err)
	}

	return nil
}

// DeleteRateLimitState drops a counter. Missing counters are not an error.
func (s *Store) DeleteRateLimitState(identity, action string) error {
	if _, err := s.db.Exec(
		`DELETE FROM rate_limit_state WHERE identity = ? AND action = ?`,
		identity,
		action,
	); err != nil {
		return fmt.Errorf("delete rate limit state %s/%s: %w", identity, action, err)
	}
	return nil
}

// ReleaseRateLimitSlot gives back one counted action if the counter still belongs to the
// window starting at windowStart. It never creates a counter, so a cleared identity stays cleared.
func (s *Store) ReleaseRateLimitSlot(identity, action string, windowStart int64) error {
	if _, err := s.db.Exec(
		`UPDATE rate_limit_state SET count = count - 1
		WHERE identity = ? AND action = ? AND window_start = ? AND count > 0`,
		identity,
		action,
		windowStart,
	); err != nil {
		return fmt.Errorf("release rate limit slot %s/%s: %w", identity, action, err)
	}
	return nil
}
