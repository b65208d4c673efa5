package messaging

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatguard/audit"
	"chatguard/crypto"
	"chatguard/docstore"
	"chatguard/docstore/memory"
	"chatguard/models"
	"chatguard/push"
	"chatguard/ratelimit"
	"chatguard/sanitize"
	"chatguard/storage"
)

var (
	alice = models.User{ID: "alice", Name: "Alice"}
	bob   = models.User{ID: "bob", Name: "Bob"}
)

type sendFixture struct {
	docs     *memory.Store
	local    *storage.Store
	limiter  *ratelimit.Limiter
	audit    *recordingAuditor
	clock    *testClock
	gw       *fakeGateway
	pipeline *SendPipeline
}

func newSendFixture(t *testing.T, withKey bool) *sendFixture {
	t.Helper()

	f := &sendFixture{
		docs:  memory.NewStore(),
		audit: &recordingAuditor{},
		clock: newTestClock(),
		gw:    newFakeGateway(t),
	}
	if withKey {
		seedKey(f.docs)
	}
	f.docs.Put(docstore.CollectionUsers, "bob", map[string]any{models.FieldName: "Bob", models.FieldPushToken: "bob-device"})

	f.local = newLocal(t)
	f.limiter = newLimiter(t, f.local, ratelimit.ActionSendMessage, f.clock)
	f.pipeline = f.pipelineOver(t, f.docs)
	return f
}

// pipelineOver builds a pipeline that writes through docs but shares the fixture's limiter.
func (f *sendFixture) pipelineOver(t *testing.T, docs docstore.Store) *SendPipeline {
	t.Helper()

	pool := NewPool(2)
	t.Cleanup(pool.Close)

	pipeline, err := NewSendPipeline(SendOptions{
		Docs:     docs,
		Keys:     NewKeyCache(docs, f.local, nil),
		Limiter:  f.limiter,
		Notifier: newTestNotifier(t, f.gw),
		Pool:     pool,
		Audit:    f.audit,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)
	return pipeline
}

func (f *sendFixture) sentCount(t *testing.T) int {
	t.Helper()

	state, err := f.local.GetRateLimitState(alice.ID, string(ratelimit.ActionSendMessage))
	if errors.Is(err, storage.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return state.Count
}

// slowStore delays chat writes so concurrent sends overlap inside the pipeline.
type slowStore struct {
	*memory.Store
	delay time.Duration
	fail  error
}

func (s *slowStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if collection == docstore.CollectionChat {
		time.Sleep(s.delay)
		if s.fail != nil {
			return "", s.fail
		}
	}
	return s.Store.Add(ctx, collection, data)
}

func (f *sendFixture) count(t *testing.T, collection string) int {
	t.Helper()

	docs, err := f.docs.Query(context.Background(), collection)
	require.NoError(t, err)
	return len(docs)
}

func TestSendStoresEncryptedMessageAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)
	text := `<b>"hey"</b> it's me`

	receipt, err := f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: text})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.MessageID)

	doc, err := f.docs.Get(ctx, docstore.CollectionChat, receipt.MessageID)
	require.NoError(t, err)
	stored := models.ChatMessageFromDocument(doc)
	assert.Equal(t, "alice", stored.SenderID)
	assert.Equal(t, "bob", stored.ReceiverID)
	assert.Equal(t, receipt.Envelope, stored.Message)
	assert.NotContains(t, stored.Message, "hey")

	plain, err := crypto.Decrypt(testKey, stored.Message)
	require.NoError(t, err)
	sanitized, err := sanitize.Sanitize(text)
	require.NoError(t, err)
	assert.Equal(t, sanitized, plain)
	assert.Equal(t, text, sanitize.Unsanitize(plain))

	require.NotNil(t, receipt.Notification)
	res, err := receipt.Notification.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "projects/demo/messages/1", res.Name)

	body := f.gw.lastBody()
	require.NotNil(t, body)
	assert.Equal(t, "bob-device", body["message"]["token"])
	data, ok := body["message"]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, push.DefaultTitle, data["title"])
	assert.Equal(t, "You have a message from Alice", data["body"])
	assert.Equal(t, "alice", data["senderId"])
	assert.Equal(t, "Alice", data["senderName"])
	assert.Len(t, data, 4)

	convs, err := f.docs.Query(ctx, docstore.CollectionConversations)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	conv := models.ConversationFromDocument(convs[0])
	assert.Equal(t, receipt.Envelope, conv.LastMessage)
	assert.Equal(t, "Alice", conv.SenderName)
	assert.Equal(t, "Bob", conv.ReceiverName)

	assert.True(t, f.audit.has(audit.MessageSent))
	assert.True(t, f.audit.has(audit.PushSent))
}

func TestSendUpdatesExistingConversation(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)

	_, err := f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: "first"})
	require.NoError(t, err)
	reply, err := f.pipeline.Send(ctx, Outgoing{Sender: bob, Receiver: alice, Text: "second"})
	require.NoError(t, err)

	convs, err := f.docs.Query(ctx, docstore.CollectionConversations)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, reply.Envelope, convs[0].String(models.FieldLastMessage))
}

func TestSendRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)
	msg := Outgoing{Sender: alice, Receiver: bob, Text: "ping"}

	for i := 0; i < ratelimit.DefaultMessageLimit; i++ {
		_, err := f.pipeline.Send(ctx, msg)
		require.NoError(t, err, "message %d", i+1)
	}

	_, err := f.pipeline.Send(ctx, msg)
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	var denied *ratelimit.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Positive(t, denied.RetryAfter)
	assert.Equal(t, ratelimit.DefaultMessageLimit, f.count(t, docstore.CollectionChat))
	assert.True(t, f.audit.has(audit.RateLimitExceeded))

	f.clock.Advance(ratelimit.DefaultMessageWindow + time.Second)
	_, err = f.pipeline.Send(ctx, msg)
	require.NoError(t, err)
}

func TestSendBlockedWithoutKey(t *testing.T) {
	f := newSendFixture(t, false)

	_, err := f.pipeline.Send(context.Background(), Outgoing{Sender: alice, Receiver: bob, Text: "secret"})
	require.ErrorIs(t, err, crypto.ErrKeyMissing)
	assert.Zero(t, f.count(t, docstore.CollectionChat))
	assert.Zero(t, f.sentCount(t), "unsent message must not use up the limit")
	assert.Zero(t, f.gw.hits.Load())
	assert.True(t, f.audit.has(audit.MessageSendFailed))
}

func TestSendRejectsInvalidText(t *testing.T) {
	f := newSendFixture(t, true)

	_, err := f.pipeline.Send(context.Background(), Outgoing{Sender: alice, Receiver: bob, Text: "   "})
	require.ErrorIs(t, err, sanitize.ErrInvalidInput)
	assert.Zero(t, f.count(t, docstore.CollectionChat))
}

func TestSendWithoutPushTargetKeepsMessage(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)
	f.docs.Put(docstore.CollectionUsers, "carol", map[string]any{models.FieldName: "Carol"})

	receipt, err := f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: models.User{ID: "carol"}, Text: "hi"})
	require.NoError(t, err)
	_, err = receipt.Notification.Wait(ctx)
	require.ErrorIs(t, err, ErrNoPushTarget)
	assert.True(t, f.audit.has(audit.PushTokenMissing))

	receipt, err = f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: models.User{ID: "dave"}, Text: "hi"})
	require.NoError(t, err)
	_, err = receipt.Notification.Wait(ctx)
	require.ErrorIs(t, err, docstore.ErrNotFound)
	assert.True(t, f.audit.has(audit.PushTokenFetchFailed))

	assert.Equal(t, 2, f.count(t, docstore.CollectionChat))
	assert.Zero(t, f.gw.hits.Load())
}

func TestSendNotificationFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)
	f.gw.status.Store(http.StatusInternalServerError)

	receipt, err := f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: "hi"})
	require.NoError(t, err)
	_, err = receipt.Notification.Wait(ctx)
	require.ErrorIs(t, err, push.ErrTransient)

	assert.Equal(t, 1, f.count(t, docstore.CollectionChat))
	assert.True(t, f.audit.has(audit.PushSendFailed))
}

func TestSendAsync(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)

	receipt, err := f.pipeline.SendAsync(Outgoing{Sender: alice, Receiver: bob, Text: "later"}).Wait(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
}

func TestConcurrentSendsNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)
	pipeline := f.pipelineOver(t, &slowStore{Store: f.docs, delay: 20 * time.Millisecond})

	var (
		wg     sync.WaitGroup
		sent   atomic.Int32
		denied atomic.Int32
	)
	for i := 0; i < 2*ratelimit.DefaultMessageLimit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: "ping"})
			switch {
			case err == nil:
				sent.Add(1)
			case errors.Is(err, ratelimit.ErrRateLimited):
				denied.Add(1)
			default:
				t.Errorf("unexpected send error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, ratelimit.DefaultMessageLimit, sent.Load())
	assert.EqualValues(t, ratelimit.DefaultMessageLimit, denied.Load())
	assert.Equal(t, ratelimit.DefaultMessageLimit, f.count(t, docstore.CollectionChat))
	assert.Equal(t, ratelimit.DefaultMessageLimit, f.sentCount(t))
}

func TestSendPersistFailureReleasesSlot(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, true)
	broken := f.pipelineOver(t, &slowStore{Store: f.docs, fail: errors.New("backend unavailable")})

	for i := 0; i < ratelimit.DefaultMessageLimit+2; i++ {
		_, err := broken.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: "ping"})
		require.ErrorContains(t, err, "backend unavailable")
	}
	assert.Zero(t, f.sentCount(t))
	assert.True(t, f.audit.has(audit.MessageSendFailed))

	_, err := f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sentCount(t))
}

func TestSendOnCancelledContextLeavesCountersAlone(t *testing.T) {
	f := newSendFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Send(ctx, Outgoing{Sender: alice, Receiver: bob, Text: "ping"})
	require.ErrorIs(t, err, context.Canceled)

	_, err = f.local.GetRateLimitState(alice.ID, string(ratelimit.ActionSendMessage))
	require.ErrorIs(t, err, storage.ErrNotFound)
}
