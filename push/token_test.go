package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryTokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
	writes    int
}

func (c *memoryTokenCache) CachedAccessToken() (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" {
		return "", time.Time{}, errors.New("not found")
	}
	return c.value, c.expiresAt, nil
}

func (c *memoryTokenCache) CacheAccessToken(value string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value, c.expiresAt = value, expiresAt
	c.writes++
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func countingRefresher(calls *atomic.Int32, expiresAt func() time.Time) Refresher {
	return RefresherFunc(func(context.Context) (AccessToken, error) {
		n := calls.Add(1)
		return AccessToken{Value: "token-" + string(rune('0'+n)), ExpiresAt: expiresAt()}, nil
	})
}

func TestAccessTokenIsCachedUntilExpiry(t *testing.T) {
	clock := &testClock{now: time.Unix(1_000, 0)}
	expiry := clock.Now().Add(time.Hour)

	var calls atomic.Int32
	p := NewTokenProvider(TokenProviderOptions{
		Refresher: countingRefresher(&calls, func() time.Time { return expiry }),
		Now:       clock.Now,
	})
	ctx := context.Background()

	first, err := p.AccessToken(ctx)
	require.NoError(t, err)
	second, err := p.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	clock.Set(expiry.Add(-time.Millisecond))
	_, err = p.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Expiry is exclusive: a token is stale at exactly ExpiresAt.
	clock.Set(expiry)
	expiry = expiry.Add(time.Hour)
	third, err := p.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.NotEqual(t, first.Value, third.Value)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p := NewTokenProvider(TokenProviderOptions{
		Refresher: RefresherFunc(func(context.Context) (AccessToken, error) {
			calls.Add(1)
			<-release
			return AccessToken{Value: "shared", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
	})

	const callers = 20
	var (
		wg     sync.WaitGroup
		values = make([]string, callers)
		errs   = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.AccessToken(context.Background())
			values[i], errs[i] = tok.Value, err
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", values[i])
	}
}

func TestCancelledCallerDoesNotAbortSharedRefresh(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := NewTokenProvider(TokenProviderOptions{
		Refresher: RefresherFunc(func(ctx context.Context) (AccessToken, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return AccessToken{}, ctx.Err()
			}
			return AccessToken{Value: "survivor", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.AccessToken(ctx)
		firstErr <- err
	}()
	<-started

	secondTok := make(chan AccessToken, 1)
	go func() {
		tok, _ := p.AccessToken(context.Background())
		secondTok <- tok
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	select {
	case tok := <-secondTok:
		assert.Equal(t, "survivor", tok.Value)
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller did not receive the shared token")
	}
}

func TestAccessTokenWithoutRefresher(t *testing.T) {
	p := NewTokenProvider(TokenProviderOptions{})
	_, err := p.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestRefreshFailureIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewTokenProvider(TokenProviderOptions{
		Refresher: RefresherFunc(func(context.Context) (AccessToken, error) { return AccessToken{}, boom }),
		Metrics:   metrics,
	})

	_, err := p.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailure)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Refreshes.WithLabelValues("error")))
}

func TestPersistedTokenIsReused(t *testing.T) {
	cache := &memoryTokenCache{value: "persisted", expiresAt: time.Now().Add(time.Hour)}
	var calls atomic.Int32
	p := NewTokenProvider(TokenProviderOptions{
		Refresher: countingRefresher(&calls, func() time.Time { return time.Now().Add(time.Hour) }),
		Cache:     cache,
	})

	tok, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok.Value)
	assert.Zero(t, calls.Load())

	p.Invalidate()
	tok, err = p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.Value)
	assert.Equal(t, int32(1), calls.Load())

	value, _, err := cache.CachedAccessToken()
	require.NoError(t, err)
	assert.Equal(t, "token-1", value)
}

func TestExpiredPersistedTokenIsRefreshed(t *testing.T) {
	cache := &memoryTokenCache{value: "stale", expiresAt: time.Now().Add(-time.Minute)}
	var calls atomic.Int32
	p := NewTokenProvider(TokenProviderOptions{
		Refresher: countingRefresher(&calls, func() time.Time { return time.Now().Add(time.Hour) }),
		Cache:     cache,
	})

	tok, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.Value)
}
