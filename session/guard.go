// Package session enforces a single active session per identity across devices.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatguard/docstore"
	"chatguard/identity"
	"chatguard/models"
	"chatguard/storage"
)

var (
	ErrSessionConflict = errors.New("session: signed in on another device")
	ErrSessionExpired  = errors.New("session: expired")
	ErrNotBound        = errors.New("session: not bound")
)

// State is the guard's lifecycle state.
type State int

const (
	Unbound State = iota
	Active
	Conflicted
	Expired
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Active:
		return "active"
	case Conflicted:
		return "conflicted"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether leaving the state requires a fresh Bind.
func (s State) Terminal() bool {
	return s == Conflicted || s == Expired
}

// Event reports a transition into a terminal state.
type Event struct {
	Identity string
	State    State
	Cause    error
	At       time.Time
}

// TokenCache keeps the locally cached session token. storage.Store satisfies it.
type TokenCache interface {
	GetPreference(name string) (string, error)
	PutPreference(name, value string) error
	DeletePreference(name string) error
}

// InvalidateFunc signs the identity out and wipes local credentials after a conflict or expiry.
type InvalidateFunc func(ctx context.Context, uid string, cause error)

// Options configures a Guard.
type Options struct {
	Docs        docstore.Store
	Cache       TokenCache
	Credentials identity.Provider
	Invalidate  InvalidateFunc
	Logger      *logrus.Entry
	Now         func() time.Time
	EventBuffer int
}

// Guard tracks the session of one signed-in identity.
type Guard struct {
	docs        docstore.Store
	cache       TokenCache
	credentials identity.Provider
	invalidate  InvalidateFunc
	log         *logrus.Entry
	now         func() time.Time

	events chan Event

	mu          sync.Mutex
	state       State
	uid         string
	token       string
	generation  uint64
	watchCancel context.CancelFunc

	wg sync.WaitGroup
}

func NewGuard(opts Options) (*Guard, error) {
	if opts.Docs == nil {
		return nil, errors.New("document store is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("token cache is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "session")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}

	return &Guard{
		docs:        opts.Docs,
		cache:       opts.Cache,
		credentials: opts.Credentials,
		invalidate:  opts.Invalidate,
		log:         opts.Logger,
		now:         opts.Now,
		events:      make(chan Event, opts.EventBuffer),
	}, nil
}

// Events delivers terminal transitions. Events are dropped when the buffer is full.
func (g *Guard) Events() <-chan Event {
	return g.events
}

// State returns the current state and bound identity.
func (g *Guard) State() (State, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.uid
}

// Bind mints a new session token for uid after a fresh authentication and publishes it
// as the authoritative session. Any other device holding an older token becomes conflicted.
func (g *Guard) Bind(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "", errors.New("bind: identity is required")
	}

	g.mu.Lock()
	if g.state == Active {
		g.mu.Unlock()
		return "", fmt.Errorf("bind: session already active for %s", g.uid)
	}
	g.mu.Unlock()

	token := uuid.NewString()
	err := g.docs.Update(ctx, docstore.CollectionUsers, uid, map[string]any{
		models.FieldSessionToken:    token,
		models.FieldSessionIssuedAt: g.now(),
	})
	if err != nil {
		return "", fmt.Errorf("publish session token: %w", err)
	}
	if err := g.cache.PutPreference(storage.PrefSessionToken, token); err != nil {
		return "", fmt.Errorf("cache session token: %w", err)
	}

	g.activate(uid, token)
	g.log.WithField("identity", uid).Info("session bound")
	return token, nil
}

// Resume restores the session of uid after a restart by comparing the cached token with the
// authoritative one.
func (g *Guard) Resume(ctx context.Context, uid string) error {
	cached, err := g.cache.GetPreference(storage.PrefSessionToken)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && cached == "") {
		return ErrNotBound
	}
	if err != nil {
		return fmt.Errorf("read cached session token: %w", err)
	}

	doc, err := g.docs.Get(ctx, docstore.CollectionUsers, uid)
	if errors.Is(err, docstore.ErrNotFound) {
		g.activate(uid, cached)
		g.terminate(ctx, g.currentGeneration(), Expired, fmt.Errorf("%w: account record missing", ErrSessionExpired))
		return ErrSessionExpired
	}
	if err != nil {
		return fmt.Errorf("read session record: %w", err)
	}

	g.activate(uid, cached)
	remote := models.UserFromDocument(doc).SessionToken
	if conflicting(cached, remote) {
		g.terminate(ctx, g.currentGeneration(), Conflicted, ErrSessionConflict)
		return ErrSessionConflict
	}
	return nil
}

// Watch subscribes to the authoritative session record and reacts to every change until the
// session leaves Active or ctx ends.
func (g *Guard) Watch(ctx context.Context) error {
	g.mu.Lock()
	if g.state != Active {
		g.mu.Unlock()
		return ErrNotBound
	}
	uid, gen := g.uid, g.generation
	if g.watchCancel != nil {
		g.watchCancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	g.watchCancel = cancel
	g.mu.Unlock()

	sub, err := g.docs.Subscribe(watchCtx, docstore.Target{Collection: docstore.CollectionUsers, DocID: uid})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe session record: %w", err)
	}

	g.wg.Add(1)
	go g.watch(watchCtx, sub, uid, gen)
	return nil
}

func (g *Guard) watch(ctx context.Context, sub docstore.Subscription, uid string, gen uint64) {
	defer g.wg.Done()
	defer sub.Close()

	log := g.log.WithField("identity", uid)
	for batch := range sub.Changes() {
		for _, change := range batch {
			if change.Kind == docstore.Removed {
				g.terminate(ctx, gen, Expired, fmt.Errorf("%w: account record removed", ErrSessionExpired))
				return
			}

			remote := models.UserFromDocument(change.Doc).SessionToken
			g.mu.Lock()
			local := g.token
			g.mu.Unlock()
			if conflicting(local, remote) {
				g.terminate(ctx, gen, Conflicted, ErrSessionConflict)
				return
			}
		}
	}

	if err := sub.Err(); err != nil {
		log.WithError(err).Warn("session watch ended")
	}
}

// CheckCredential asks the identity provider whether the credential is still accepted.
// A rejected credential expires the session.
func (g *Guard) CheckCredential(ctx context.Context, id identity.Identity) error {
	if g.credentials == nil {
		return nil
	}

	_, err := g.credentials.IsVerified(ctx, id)
	if errors.Is(err, identity.ErrCredentialExpired) || errors.Is(err, identity.ErrUnknownUser) || errors.Is(err, identity.ErrUserDisabled) {
		g.Expire(ctx, err)
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

// Expire moves an active session to Expired.
func (g *Guard) Expire(ctx context.Context, cause error) {
	if cause == nil {
		cause = ErrSessionExpired
	} else if !errors.Is(cause, ErrSessionExpired) {
		cause = fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	}
	g.terminate(ctx, g.currentGeneration(), Expired, cause)
}

// SignOut ends the session voluntarily: Active becomes Unbound and the cached token is dropped.
// It does not call the invalidator.
func (g *Guard) SignOut() {
	g.mu.Lock()
	if g.watchCancel != nil {
		g.watchCancel()
		g.watchCancel = nil
	}
	g.state = Unbound
	g.uid = ""
	g.token = ""
	g.generation++
	g.mu.Unlock()

	if err := g.cache.DeletePreference(storage.PrefSessionToken); err != nil {
		g.log.WithError(err).Warn("clear cached session token")
	}
}

// Detach returns an Active guard to Unbound and stops the watch, but keeps the cached token so
// the session can be resumed later. Other states are left alone.
func (g *Guard) Detach() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Active {
		return
	}
	if g.watchCancel != nil {
		g.watchCancel()
		g.watchCancel = nil
	}
	g.state = Unbound
	g.uid = ""
	g.token = ""
	g.generation++
}

// Close stops the watch and waits for its handler to exit.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.watchCancel != nil {
		g.watchCancel()
		g.watchCancel = nil
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Guard) activate(uid, token string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = Active
	g.uid = uid
	g.token = token
	g.generation++
}

func (g *Guard) currentGeneration() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// terminate moves the session of generation gen from Active to state. Stale generations and
// sessions that already left Active are ignored.
func (g *Guard) terminate(ctx context.Context, gen uint64, state State, cause error) {
	g.mu.Lock()
	if g.state != Active || g.generation != gen {
		g.mu.Unlock()
		return
	}
	uid := g.uid
	g.state = state
	g.token = ""
	if g.watchCancel != nil {
		g.watchCancel()
		g.watchCancel = nil
	}
	g.mu.Unlock()

	log := g.log.WithFields(logrus.Fields{"identity": uid, "state": state.String()})
	log.WithError(cause).Warn("session terminated")

	if err := g.cache.DeletePreference(storage.PrefSessionToken); err != nil {
		log.WithError(err).Warn("clear cached session token")
	}
	if g.invalidate != nil {
		g.invalidate(context.WithoutCancel(ctx), uid, cause)
	}

	select {
	case g.events <- Event{Identity: uid, State: state, Cause: cause, At: g.now()}:
	default:
		log.Warn("session event dropped")
	}
}

func conflicting(local, remote string) bool {
	return local != "" && remote != "" && local != remote
}
