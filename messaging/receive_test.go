package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatguard/audit"
	"chatguard/crypto"
	"chatguard/docstore"
	"chatguard/docstore/memory"
	"chatguard/models"
)

func newReceiveFixture(t *testing.T) (*memory.Store, *ReceivePipeline, *recordingAuditor) {
	t.Helper()

	docs := memory.NewStore()
	seedKey(docs)
	rec := &recordingAuditor{}
	p, err := NewReceivePipeline(ReceiveOptions{Docs: docs, Keys: NewKeyCache(docs, newLocal(t), nil), Audit: rec})
	require.NoError(t, err)
	return docs, p, rec
}

// collect reads batches until n messages arrived.
func collect(t *testing.T, s *Stream, n int) []Received {
	t.Helper()

	var out []Received
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case batch, ok := <-s.Messages():
			require.True(t, ok, "stream closed early: %v", s.Err())
			out = append(out, batch...)
		case <-timeout:
			t.Fatalf("received %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestStreamDeliversHistoryThenLiveMessages(t *testing.T) {
	ctx := context.Background()
	docs, p, _ := newReceiveFixture(t)
	t0 := time.Now().Add(-time.Hour)

	docs.Put(docstore.CollectionChat, "m1", models.ChatMessage{SenderID: "alice", ReceiverID: "bob", Message: seal(t, "second"), Timestamp: t0.Add(2 * time.Second)}.Fields())
	docs.Put(docstore.CollectionChat, "m2", models.ChatMessage{SenderID: "alice", ReceiverID: "bob", Message: seal(t, "first"), Timestamp: t0.Add(time.Second)}.Fields())
	docs.Put(docstore.CollectionChat, "m3", models.ChatMessage{SenderID: "alice", ReceiverID: "carol", Message: seal(t, "elsewhere"), Timestamp: t0}.Fields())

	stream, err := p.Subscribe(ctx, "alice", "bob")
	require.NoError(t, err)
	defer stream.Close()

	history := collect(t, stream, 2)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, "second", history[1].Text)
	assert.True(t, history[0].Outgoing("alice"))

	_, err = docs.Add(ctx, docstore.CollectionChat, models.ChatMessage{SenderID: "bob", ReceiverID: "alice", Message: seal(t, `<3 "you"`), Timestamp: time.Now()}.Fields())
	require.NoError(t, err)

	live := collect(t, stream, 1)
	require.Len(t, live, 1)
	require.NoError(t, live[0].Err)
	assert.Equal(t, `<3 "you"`, live[0].Text)
	assert.False(t, live[0].Outgoing("alice"))
}

func TestStreamReportsUndecryptableMessages(t *testing.T) {
	ctx := context.Background()
	docs, p, rec := newReceiveFixture(t)
	docs.Put(docstore.CollectionChat, "bad", models.ChatMessage{SenderID: "bob", ReceiverID: "alice", Message: "c2hvcnQ=", Timestamp: time.Now()}.Fields())

	stream, err := p.Subscribe(ctx, "alice", "bob")
	require.NoError(t, err)
	defer stream.Close()

	got := collect(t, stream, 1)
	require.ErrorIs(t, got[0].Err, crypto.ErrMalformedEnvelope)
	assert.Empty(t, got[0].Text)
	assert.True(t, rec.has(audit.DecryptionFailed))
}

func TestStreamEndsWithStoreError(t *testing.T) {
	docs, p, _ := newReceiveFixture(t)

	stream, err := p.Subscribe(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, docs.Close())

	for range stream.Messages() {
	}
	require.ErrorIs(t, stream.Err(), docstore.ErrClosed)
}

func TestStreamCloseStopsDelivery(t *testing.T) {
	_, p, _ := newReceiveFixture(t)

	stream, err := p.Subscribe(context.Background(), "alice", "bob")
	require.NoError(t, err)
	stream.Close()

	_, ok := <-stream.Messages()
	assert.False(t, ok)
	assert.NoError(t, stream.Err())
}
