package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitStateCRUD(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRateLimitState("uid", "send-message")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutRateLimitState(RateLimitState{Identity: "uid", Action: "send-message", WindowStart: 10, Count: 1}))
	require.NoError(t, store.PutRateLimitState(RateLimitState{Identity: "uid", Action: "send-message", WindowStart: 10, Count: 2}))
	require.NoError(t, store.PutRateLimitState(RateLimitState{Identity: "uid", Action: "login-attempt", WindowStart: 20, Count: 5}))

	state, err := store.GetRateLimitState("uid", "send-message")
	require.NoError(t, err)
	assert.Equal(t, RateLimitState{Identity: "uid", Action: "send-message", WindowStart: 10, Count: 2}, state)

	require.NoError(t, store.DeleteRateLimitState("uid", "send-message"))
	_, err = store.GetRateLimitState("uid", "send-message")
	require.ErrorIs(t, err, ErrNotFound)

	state, err = store.GetRateLimitState("uid", "login-attempt")
	require.NoError(t, err)
	assert.Equal(t, 5, state.Count)
}

func TestRateLimitStateValidation(t *testing.T) {
	store := newTestStore(t)

	require.Error(t, store.PutRateLimitState(RateLimitState{Action: "send-message"}))
	require.Error(t, store.PutRateLimitState(RateLimitState{Identity: "uid"}))
	require.Error(t, store.PutRateLimitState(RateLimitState{Identity: "uid", Action: "a", Count: -1}))
}

func TestReleaseRateLimitSlot(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ReleaseRateLimitSlot("uid", "send-message", 10))
	_, err := store.GetRateLimitState("uid", "send-message")
	require.ErrorIs(t, err, ErrNotFound, "release must not create a counter")

	require.NoError(t, store.PutRateLimitState(RateLimitState{Identity: "uid", Action: "send-message", WindowStart: 10, Count: 1}))
	require.NoError(t, store.ReleaseRateLimitSlot("uid", "send-message", 99))
	require.NoError(t, store.ReleaseRateLimitSlot("uid", "send-message", 10))
	require.NoError(t, store.ReleaseRateLimitSlot("uid", "send-message", 10))

	state, err := store.GetRateLimitState("uid", "send-message")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Count)
}
