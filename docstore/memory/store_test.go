package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatguard/docstore"
)

func nextBatch(t *testing.T, sub docstore.Subscription) []docstore.Change {
	t.Helper()

	select {
	case batch, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed early: %v", sub.Err())
		return batch
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change batch")
		return nil
	}
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	id, err := store.Add(ctx, "chat", map[string]any{"senderId": "a", "message": "m1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, "chat", id)
	require.NoError(t, err)
	assert.Equal(t, "m1", doc.String("message"))

	require.NoError(t, store.Update(ctx, "chat", id, map[string]any{"message": "m2"}))
	doc, err = store.Get(ctx, "chat", id)
	require.NoError(t, err)
	assert.Equal(t, "m2", doc.String("message"))
	assert.Equal(t, "a", doc.String("senderId"))

	err = store.Update(ctx, "chat", "missing", map[string]any{"x": 1})
	require.ErrorIs(t, err, docstore.ErrNotFound)
	_, err = store.Get(ctx, "users", "missing")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = store.Add(ctx, "chat", map[string]any{"senderId": "b"})
	require.NoError(t, err)

	docs, err := store.Query(ctx, "chat", docstore.Eq("senderId", "a"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)

	require.NoError(t, store.Delete(ctx, "chat", id))
	require.NoError(t, store.Delete(ctx, "chat", id))
	_, err = store.Get(ctx, "chat", id)
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Put("users", "u1", map[string]any{"name": "Ann"})

	doc, err := store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	doc.Data["name"] = "changed"

	doc, err = store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", doc.String("name"))
}

func TestDocumentSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.Put("users", "u1", map[string]any{"sessionToken": "t1"})

	sub, err := store.Subscribe(ctx, docstore.Target{Collection: "users", DocID: "u1"})
	require.NoError(t, err)
	defer sub.Close()

	batch := nextBatch(t, sub)
	require.Len(t, batch, 1)
	assert.Equal(t, docstore.Added, batch[0].Kind)
	assert.Equal(t, "t1", batch[0].Doc.String("sessionToken"))

	store.Put("users", "u2", map[string]any{"sessionToken": "other"})
	require.NoError(t, store.Update(ctx, "users", "u1", map[string]any{"sessionToken": "t2"}))

	batch = nextBatch(t, sub)
	require.Len(t, batch, 1)
	assert.Equal(t, docstore.Modified, batch[0].Kind)
	assert.Equal(t, "t2", batch[0].Doc.String("sessionToken"))

	require.NoError(t, store.Delete(ctx, "users", "u1"))
	batch = nextBatch(t, sub)
	assert.Equal(t, docstore.Removed, batch[0].Kind)
}

func TestDocumentSubscriptionOnMissingDocument(t *testing.T) {
	store := NewStore()

	sub, err := store.Subscribe(context.Background(), docstore.Target{Collection: "users", DocID: "ghost"})
	require.NoError(t, err)
	defer sub.Close()

	batch := nextBatch(t, sub)
	require.Len(t, batch, 1)
	assert.Equal(t, docstore.Removed, batch[0].Kind)
	assert.Equal(t, "ghost", batch[0].Doc.ID)
}

func TestQuerySubscription(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, err := store.Add(ctx, "chat", map[string]any{"senderId": "a", "receiverId": "b", "message": "old"})
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, docstore.Target{
		Collection: "chat",
		Filters:    []docstore.Filter{docstore.Eq("senderId", "a"), docstore.Eq("receiverId", "b")},
	})
	require.NoError(t, err)
	defer sub.Close()

	batch := nextBatch(t, sub)
	require.Len(t, batch, 1)
	assert.Equal(t, "old", batch[0].Doc.String("message"))

	_, err = store.Add(ctx, "chat", map[string]any{"senderId": "b", "receiverId": "a", "message": "ignored"})
	require.NoError(t, err)
	id, err := store.Add(ctx, "chat", map[string]any{"senderId": "a", "receiverId": "b", "message": "new"})
	require.NoError(t, err)

	batch = nextBatch(t, sub)
	require.Len(t, batch, 1)
	assert.Equal(t, docstore.Added, batch[0].Kind)
	assert.Equal(t, "new", batch[0].Doc.String("message"))

	require.NoError(t, store.Update(ctx, "chat", id, map[string]any{"receiverId": "c"}))
	batch = nextBatch(t, sub)
	assert.Equal(t, docstore.Removed, batch[0].Kind)
	assert.Equal(t, id, batch[0].Doc.ID)
}

func TestSubscriptionPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sub, err := store.Subscribe(ctx, docstore.Target{Collection: "chat"})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 50; i++ {
		_, err := store.Add(ctx, "chat", map[string]any{"message": fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	for i := 0; i < 50; i++ {
		batch := nextBatch(t, sub)
		require.Len(t, batch, 1)
		assert.Equal(t, fmt.Sprintf("m%d", i), batch[0].Doc.String("message"))
	}
}

func TestSubscriptionEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore()

	sub, err := store.Subscribe(ctx, docstore.Target{Collection: "chat"})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
	assert.NoError(t, sub.Err())

	sub, err = store.Subscribe(context.Background(), docstore.Target{Collection: "chat"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after store close")
	}
	assert.ErrorIs(t, sub.Err(), docstore.ErrClosed)

	_, err = store.Add(context.Background(), "chat", map[string]any{})
	require.ErrorIs(t, err, docstore.ErrClosed)
}
