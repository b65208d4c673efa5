package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds one shared token refresh.
const DefaultRefreshTimeout = 30 * time.Second

// AccessToken is a bearer token for the push gateway.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token can be used at now. Expiry is exclusive.
func (t AccessToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Refresher obtains a new access token from the authorization server.
type Refresher interface {
	Refresh(ctx context.Context) (AccessToken, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (AccessToken, error)

func (f RefresherFunc) Refresh(ctx context.Context) (AccessToken, error) { return f(ctx) }

// TokenCache persists the token between runs. storage.Store satisfies it.
type TokenCache interface {
	CachedAccessToken() (string, time.Time, error)
	CacheAccessToken(value string, expiresAt time.Time) error
}

// TokenProviderOptions configures a TokenProvider.
type TokenProviderOptions struct {
	Refresher      Refresher
	Cache          TokenCache
	Now            func() time.Time
	RefreshTimeout time.Duration
	Logger         *logrus.Entry
	Metrics        *Metrics
}

// TokenProvider hands out access tokens, refreshing at most once at a time.
type TokenProvider struct {
	refresher Refresher
	cache     TokenCache
	now       func() time.Time
	timeout   time.Duration
	log       *logrus.Entry
	metrics   *Metrics

	group singleflight.Group

	mu          sync.Mutex
	token       AccessToken
	cacheLoaded bool
}

func NewTokenProvider(opts TokenProviderOptions) *TokenProvider {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "push")
	}

	return &TokenProvider{
		refresher: opts.Refresher,
		cache:     opts.Cache,
		now:       opts.Now,
		timeout:   opts.RefreshTimeout,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

// AccessToken returns a valid token. Concurrent callers share one refresh, which runs
// detached from any single caller's cancellation.
func (p *TokenProvider) AccessToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}
	if p.refresher == nil {
		return AccessToken{}, ErrCredentialUnavailable
	}

	ch := p.group.DoChan("refresh", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.refresh(refreshCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	}
}

// Invalidate drops the cached token so the next call refreshes.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = AccessToken{}
	p.cacheLoaded = true
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.CacheAccessToken("", time.Time{}); err != nil {
			p.log.WithError(err).Warn("clear cached access token")
		}
	}
}

func (p *TokenProvider) cached() (AccessToken, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token.ValidAt(now) {
		return p.token, true
	}

	if !p.cacheLoaded && p.cache != nil {
		p.cacheLoaded = true
		value, expiresAt, err := p.cache.CachedAccessToken()
		if err == nil {
			p.token = AccessToken{Value: value, ExpiresAt: expiresAt}
			if p.token.ValidAt(now) {
				return p.token, true
			}
		}
	}

	return AccessToken{}, false
}

func (p *TokenProvider) refresh(ctx context.Context) (AccessToken, error) {
	// Another caller may have finished a refresh between our cache miss and this flight.
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	tok, err := p.refresher.Refresh(ctx)
	if err == nil && tok.Value == "" {
		err = errors.New("empty access token")
	}
	if err != nil {
		p.metrics.refreshed(false)
		p.log.WithError(err).Warn("access token refresh failed")
		return AccessToken{}, fmt.Errorf("%w: %w", ErrRefreshFailure, err)
	}
	p.metrics.refreshed(true)

	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()

	if p.cache != nil {
		if err := p.cache.CacheAccessToken(tok.Value, tok.ExpiresAt); err != nil {
			p.log.WithError(err).Warn("persist access token")
		}
	}

	p.log.WithField("expires_at", tok.ExpiresAt).Debug("access token refreshed")
	return tok, nil
}
