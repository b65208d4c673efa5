package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(newTestKey(t, MasterKeySize))
	require.NoError(t, err)

	sealed, err := sealer.Seal("AES_KEY", []byte("value"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "value")

	opened, err := sealer.Open("AES_KEY", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), opened)
}

func TestSealerBindsName(t *testing.T) {
	sealer, err := NewSealer(newTestKey(t, MasterKeySize))
	require.NoError(t, err)

	sealed, err := sealer.Seal("fcm_token", []byte("token"))
	require.NoError(t, err)

	_, err = sealer.Open("session_token", sealed)
	require.Error(t, err)
}

func TestSealerRejectsOtherMasterKey(t *testing.T) {
	a, err := NewSealer(newTestKey(t, MasterKeySize))
	require.NoError(t, err)
	b, err := NewSealer(newTestKey(t, MasterKeySize))
	require.NoError(t, err)

	sealed, err := a.Seal("k", []byte("v"))
	require.NoError(t, err)
	_, err = b.Open("k", sealed)
	require.Error(t, err)

	_, err = a.Open("k", []byte("short"))
	require.Error(t, err)

	_, err = NewSealer([]byte("tiny"))
	require.Error(t, err)
}
