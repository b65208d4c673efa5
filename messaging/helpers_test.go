package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
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

var testKey = crypto.SharedKey(bytes.Repeat([]byte{0x5a}, 32))

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) has(action audit.Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Action == action {
			return true
		}
	}
	return false
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLocal(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir(), bytes.Repeat([]byte{0x33}, 32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newLimiter(t *testing.T, store ratelimit.Store, action ratelimit.Action, clock ratelimit.Clock) *ratelimit.Limiter {
	t.Helper()

	l, err := ratelimit.New(ratelimit.Options{Action: action, Store: store, Clock: clock})
	require.NoError(t, err)
	return l
}

func seedKey(docs *memory.Store) {
	docs.Put(docstore.CollectionConfig, models.SharedKeyDocID, map[string]any{models.FieldSharedKey: testKey.String()})
}

// seal produces the envelope another client would have stored for text.
func seal(t *testing.T, text string) string {
	t.Helper()

	sanitized, err := sanitize.Sanitize(text)
	require.NoError(t, err)
	envelope, err := crypto.Encrypt(testKey, sanitized)
	require.NoError(t, err)
	return envelope
}

const gatewayPath = "/v1/projects/demo/messages:send"

type fakeGateway struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status atomic.Int32

	mu     sync.Mutex
	bodies []map[string]map[string]any
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	gw := &fakeGateway{}
	gw.status.Store(http.StatusOK)

	r := mux.NewRouter()
	r.HandleFunc(gatewayPath, func(w http.ResponseWriter, req *http.Request) {
		n := gw.hits.Add(1)

		var body map[string]map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		gw.mu.Lock()
		gw.bodies = append(gw.bodies, body)
		gw.mu.Unlock()

		status := int(gw.status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"name": fmt.Sprintf("projects/demo/messages/%d", n)})
			return
		}
		_, _ = w.Write([]byte(`{"error":{"code":500,"status":"INTERNAL","message":"backend"}}`))
	}).Methods(http.MethodPost)

	gw.srv = httptest.NewServer(r)
	t.Cleanup(gw.srv.Close)
	return gw
}

func (gw *fakeGateway) lastBody() map[string]map[string]any {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.bodies) == 0 {
		return nil
	}
	return gw.bodies[len(gw.bodies)-1]
}

func newTestNotifier(t *testing.T, gw *fakeGateway) *push.Notifier {
	t.Helper()

	tokens := push.NewTokenProvider(push.TokenProviderOptions{
		Refresher: push.RefresherFunc(func(context.Context) (push.AccessToken, error) {
			return push.AccessToken{Value: "ya29.test", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
	})
	dispatcher, err := push.NewDispatcher(push.DispatcherOptions{Endpoint: gw.srv.URL + gatewayPath, HTTPClient: gw.srv.Client()})
	require.NoError(t, err)
	return push.NewNotifier(tokens, dispatcher, nil)
}
