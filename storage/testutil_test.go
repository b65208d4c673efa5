package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var testMasterKey = bytes.Repeat([]byte{0x42}, 32)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), testMasterKey)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}
