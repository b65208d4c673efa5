package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatguard/crypto"
	"chatguard/docstore"
	"chatguard/docstore/memory"
	"chatguard/models"
	"chatguard/storage"
)

func TestKeyCacheFetchesAndCachesLocally(t *testing.T) {
	ctx := context.Background()
	docs := memory.NewStore()
	seedKey(docs)
	local := newLocal(t)

	key, err := NewKeyCache(docs, local, nil).Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	cached, err := local.GetPreference(storage.PrefSharedKey)
	require.NoError(t, err)
	assert.Equal(t, testKey.String(), cached)

	require.NoError(t, docs.Delete(ctx, docstore.CollectionConfig, models.SharedKeyDocID))
	key, err = NewKeyCache(docs, local, nil).Key(ctx)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
}

func TestKeyCacheMissingKey(t *testing.T) {
	ctx := context.Background()
	docs := memory.NewStore()

	_, err := NewKeyCache(docs, newLocal(t), nil).Key(ctx)
	require.ErrorIs(t, err, crypto.ErrKeyMissing)

	docs.Put(docstore.CollectionConfig, models.SharedKeyDocID, map[string]any{models.FieldSharedKey: ""})
	_, err = NewKeyCache(docs, newLocal(t), nil).Key(ctx)
	require.ErrorIs(t, err, crypto.ErrKeyMissing)
}

func TestKeyCacheClearLeavesCopiesIntact(t *testing.T) {
	docs := memory.NewStore()
	seedKey(docs)
	cache := NewKeyCache(docs, newLocal(t), nil)

	key, err := cache.Key(context.Background())
	require.NoError(t, err)
	cache.Clear()

	assert.Equal(t, testKey, key)
}
