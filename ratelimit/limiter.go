// Package ratelimit throttles per-identity actions over a fixed window whose state survives
// restarts.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatguard/storage"
)

// Action names a throttled operation.
type Action string

const (
	ActionSendMessage  Action = "send-message"
	ActionLoginAttempt Action = "login-attempt"
)

const (
	DefaultMessageLimit  = 10
	DefaultMessageWindow = time.Minute
	DefaultLoginLimit    = 5
	DefaultLoginWindow   = 5 * time.Minute
)

var ErrRateLimited = errors.New("rate limit exceeded")

// DeniedError reports a denied action and how long until the window resets.
type DeniedError struct {
	Identity   string
	Action     Action
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s for %s, retry after %s", ErrRateLimited, e.Action, e.Identity, e.RetryAfter)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Decision is the outcome of a Check or Acquire. WindowStart (unix ms) identifies the window
// the decision was made in.
type Decision struct {
	Allowed     bool
	Count       int
	Remaining   int
	RetryAfter  time.Duration
	WindowStart int64
}

// Store persists counters. storage.Store satisfies it.
type Store interface {
	GetRateLimitState(identity, action string) (storage.RateLimitState, error)
	PutRateLimitState(state storage.RateLimitState) error
	DeleteRateLimitState(identity, action string) error
	ReleaseRateLimitSlot(identity, action string, windowStart int64) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Limiter.
type Options struct {
	Action  Action
	Limit   int
	Window  time.Duration
	Store   Store
	Clock   Clock
	Logger  *logrus.Entry
	Metrics *Metrics
}

// Limiter enforces one action's limit. All state access is serialized by mu.
type Limiter struct {
	action  Action
	limit   int
	window  time.Duration
	store   Store
	clock   Clock
	log     *logrus.Entry
	metrics *Metrics

	mu sync.Mutex
}

// New validates options and fills defaults for the known actions.
func New(opts Options) (*Limiter, error) {
	if opts.Action == "" {
		return nil, errors.New("rate limit action is required")
	}
	if opts.Store == nil {
		return nil, errors.New("rate limit store is required")
	}
	if opts.Limit <= 0 || opts.Window <= 0 {
		limit, window := Defaults(opts.Action)
		if opts.Limit <= 0 {
			opts.Limit = limit
		}
		if opts.Window <= 0 {
			opts.Window = window
		}
	}
	if opts.Limit <= 0 || opts.Window <= 0 {
		return nil, fmt.Errorf("no default limit for action %q", opts.Action)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "ratelimit")
	}

	return &Limiter{
		action:  opts.Action,
		limit:   opts.Limit,
		window:  opts.Window,
		store:   opts.Store,
		clock:   opts.Clock,
		log:     opts.Logger.WithField("action", string(opts.Action)),
		metrics: opts.Metrics,
	}, nil
}

// Defaults returns the built-in limit and window for action.
func Defaults(action Action) (int, time.Duration) {
	switch action {
	case ActionSendMessage:
		return DefaultMessageLimit, DefaultMessageWindow
	case ActionLoginAttempt:
		return DefaultLoginLimit, DefaultLoginWindow
	default:
		return 0, 0
	}
}

// Check reports whether identity may perform the action now, resetting an expired window.
func (l *Limiter) Check(identity string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, decision, err := l.evaluate(identity)
	return decision, err
}

// Record counts one performed action without moving the window start.
func (l *Limiter) Record(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, found, err := l.load(identity)
	if err != nil {
		return err
	}
	if !found {
		state.WindowStart = l.clock.Now().UnixMilli()
	}
	state.Count++
	return l.save(state)
}

// Acquire checks and records under one lock. A denial is returned as *DeniedError.
func (l *Limiter) Acquire(identity string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, decision, err := l.evaluate(identity)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		return decision, &DeniedError{Identity: identity, Action: l.action, RetryAfter: decision.RetryAfter}
	}

	state.Count++
	if err := l.save(state); err != nil {
		return Decision{}, err
	}
	decision.Count = state.Count
	decision.Remaining = l.limit - state.Count
	return decision, nil
}

// Release returns a slot taken by Acquire when the action did not happen. It is a no-op once
// the window has rolled over or the counter was reset.
func (l *Limiter) Release(identity string, slot Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.ReleaseRateLimitSlot(identity, string(l.action), slot.WindowStart); err != nil {
		return fmt.Errorf("release %s slot: %w", l.action, err)
	}
	return nil
}

// Reset drops the counter for identity.
func (l *Limiter) Reset(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.DeleteRateLimitState(identity, string(l.action)); err != nil {
		return fmt.Errorf("reset %s counter: %w", l.action, err)
	}
	return nil
}

// Action returns the action this limiter throttles.
func (l *Limiter) Action() Action {
	return l.action
}

func (l *Limiter) evaluate(identity string) (storage.RateLimitState, Decision, error) {
	now := l.clock.Now().UnixMilli()

	state, found, err := l.load(identity)
	if err != nil {
		return storage.RateLimitState{}, Decision{}, err
	}

	elapsed := time.Duration(now-state.WindowStart) * time.Millisecond
	if !found || elapsed > l.window {
		state.WindowStart = now
		state.Count = 0
		if err := l.save(state); err != nil {
			return storage.RateLimitState{}, Decision{}, err
		}
		return state, Decision{Allowed: true, Remaining: l.limit, WindowStart: now}, nil
	}

	if state.Count >= l.limit {
		retryAfter := l.window - elapsed + time.Millisecond
		l.log.WithFields(logrus.Fields{
			"identity":    identity,
			"count":       state.Count,
			"retry_after": retryAfter,
		}).Warn("rate limit exceeded")
		l.metrics.denied(l.action)
		return state, Decision{Allowed: false, Count: state.Count, RetryAfter: retryAfter, WindowStart: state.WindowStart}, nil
	}

	return state, Decision{Allowed: true, Count: state.Count, Remaining: l.limit - state.Count, WindowStart: state.WindowStart}, nil
}

func (l *Limiter) load(identity string) (storage.RateLimitState, bool, error) {
	if identity == "" {
		return storage.RateLimitState{}, false, errors.New("rate limit identity is required")
	}

	state, err := l.store.GetRateLimitState(identity, string(l.action))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.RateLimitState{Identity: identity, Action: string(l.action)}, false, nil
	}
	if err != nil {
		return storage.RateLimitState{}, false, fmt.Errorf("load %s counter: %w", l.action, err)
	}

	return state, true, nil
}

func (l *Limiter) save(state storage.RateLimitState) error {
	if err := l.store.PutRateLimitState(state); err != nil {
		return fmt.Errorf("save %s counter: %w", l.action, err)
	}
	return nil
}
