package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatguard/audit"
	"chatguard/docstore"
	"chatguard/identity"
	"chatguard/models"
	"chatguard/ratelimit"
	"chatguard/session"
	"chatguard/storage"
)

// DefaultDeviceID keys the login limiter when no device id is configured.
const DefaultDeviceID = "local-device"

// LocalState is the device-local persisted state. storage.Store satisfies it.
type LocalState interface {
	Preferences
	PutPreferences(values map[string]string) error
	ClearLocalState() error
}

// ClientOptions wires a Client. Notifier and Audit are optional.
type ClientOptions struct {
	Docs           docstore.Store
	Identity       identity.Provider
	Local          LocalState
	MessageLimiter *ratelimit.Limiter
	LoginLimiter   *ratelimit.Limiter
	Notifier       Notifier
	Audit          Auditor
	AppName        string
	DeviceID       string
	DeviceToken    string
	PoolSize       int
	Logger         *logrus.Entry
	Now            func() time.Time
}

// Client is the signed-in messaging surface: it signs users in and out, sends and streams
// messages, and tears everything down when the session guard invalidates the session.
type Client struct {
	docs           docstore.Store
	provider       identity.Provider
	local          LocalState
	messageLimiter *ratelimit.Limiter
	loginLimiter   *ratelimit.Limiter
	notifier       Notifier
	audit          Auditor
	appName        string
	deviceID       string
	deviceToken    string
	poolSize       int
	log            *logrus.Entry
	now            func() time.Time

	keys    *KeyCache
	receive *ReceivePipeline
	guard   *session.Guard

	signInMu sync.Mutex

	mu     sync.Mutex
	active *activeSession
}

// activeSession owns everything that must die with the session.
type activeSession struct {
	user     models.User
	identity identity.Identity
	pool     *Pool
	send     *SendPipeline

	mu      sync.Mutex
	streams []*Stream
}

var _ LifecycleObserver = (*Client)(nil)

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Docs == nil {
		return nil, errors.New("document store is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("identity provider is required")
	}
	if opts.Local == nil {
		return nil, errors.New("local state is required")
	}
	if opts.MessageLimiter == nil || opts.LoginLimiter == nil {
		return nil, errors.New("message and login limiters are required")
	}
	if opts.Audit == nil {
		opts.Audit = nopAuditor{}
	}
	if opts.DeviceID == "" {
		opts.DeviceID = DefaultDeviceID
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "messaging")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		docs:           opts.Docs,
		provider:       opts.Identity,
		local:          opts.Local,
		messageLimiter: opts.MessageLimiter,
		loginLimiter:   opts.LoginLimiter,
		notifier:       opts.Notifier,
		audit:          opts.Audit,
		appName:        opts.AppName,
		deviceID:       opts.DeviceID,
		deviceToken:    opts.DeviceToken,
		poolSize:       opts.PoolSize,
		log:            opts.Logger,
		now:            opts.Now,
	}
	c.keys = NewKeyCache(opts.Docs, opts.Local, opts.Logger)

	var err error
	c.receive, err = NewReceivePipeline(ReceiveOptions{Docs: opts.Docs, Keys: c.keys, Audit: opts.Audit, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	c.guard, err = session.NewGuard(session.Options{
		Docs:        opts.Docs,
		Cache:       opts.Local,
		Credentials: opts.Identity,
		Invalidate:  c.invalidate,
		Logger:      opts.Logger.WithField("component", "session"),
		Now:         opts.Now,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Events delivers session conflicts and expiries.
func (c *Client) Events() <-chan session.Event {
	return c.guard.Events()
}

// Current returns the signed-in user.
func (c *Client) Current() (models.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return models.User{}, false
	}
	return c.active.user, true
}

// SignIn authenticates, binds a new session to this device and starts watching it. Too many
// failed attempts block sign-in before the credentials are checked.
func (c *Client) SignIn(ctx context.Context, email, password string) (models.User, error) {
	c.signInMu.Lock()
	defer c.signInMu.Unlock()

	if _, ok := c.Current(); ok {
		return models.User{}, ErrAlreadySignedIn
	}

	decision, err := c.loginLimiter.Check(c.deviceID)
	if err != nil {
		return models.User{}, fmt.Errorf("check login limit: %w", err)
	}
	if !decision.Allowed {
		c.audit.Record(audit.Event{
			Action:  audit.LoginRateLimited,
			Details: map[string]any{"retry_after_ms": decision.RetryAfter.Milliseconds()},
		})
		return models.User{}, &ratelimit.DeniedError{Identity: c.deviceID, Action: c.loginLimiter.Action(), RetryAfter: decision.RetryAfter}
	}

	email, password, err = validateCredentials(email, password)
	if err != nil {
		action := audit.InvalidPassword
		if errors.Is(err, ErrInvalidEmail) {
			action = audit.InvalidEmail
		}
		c.audit.Record(audit.Event{Action: action, Details: map[string]any{"stage": "format"}})
		return models.User{}, err
	}

	id, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		if rerr := c.loginLimiter.Record(c.deviceID); rerr != nil {
			c.log.WithError(rerr).Warn("record failed login")
		}
		action := audit.SignInFailed
		switch {
		case errors.Is(err, identity.ErrUnknownUser):
			action = audit.InvalidEmail
		case errors.Is(err, identity.ErrInvalidCredentials):
			action = audit.InvalidPassword
		}
		c.audit.Record(audit.Event{Action: action, Details: map[string]any{"error": err.Error()}})
		return models.User{}, fmt.Errorf("sign in: %w", err)
	}
	log := c.log.WithField("identity", id.UID)

	verified, err := c.provider.IsVerified(ctx, id)
	if err != nil {
		c.abortSignIn(ctx, id.UID, audit.SignInFailed, err)
		return models.User{}, fmt.Errorf("check email verification: %w", err)
	}
	if !verified {
		c.abortSignIn(ctx, id.UID, audit.EmailNotVerified, ErrEmailNotVerified)
		return models.User{}, ErrEmailNotVerified
	}

	doc, err := c.docs.Get(ctx, docstore.CollectionUsers, id.UID)
	if errors.Is(err, docstore.ErrNotFound) {
		c.abortSignIn(ctx, id.UID, audit.AccountNotFound, err)
		return models.User{}, ErrAccountNotFound
	}
	if err != nil {
		c.abortSignIn(ctx, id.UID, audit.SignInFailed, err)
		return models.User{}, fmt.Errorf("read account record: %w", err)
	}
	user := models.UserFromDocument(doc)

	if _, err := c.guard.Bind(ctx, id.UID); err != nil {
		c.abortSignIn(ctx, id.UID, audit.SignInFailed, err)
		return models.User{}, err
	}

	user.Availability = models.Online
	user.PushToken = c.deviceToken
	err = c.docs.Update(ctx, docstore.CollectionUsers, id.UID, map[string]any{
		models.FieldAvailability: models.Online,
		models.FieldPushToken:    c.deviceToken,
	})
	if err != nil {
		log.WithError(err).Warn("update account record")
	}

	err = c.local.PutPreferences(map[string]string{
		storage.PrefSignedIn:    "true",
		storage.PrefUserID:      id.UID,
		storage.PrefName:        user.Name,
		storage.PrefEmail:       user.Email,
		storage.PrefDeviceToken: c.deviceToken,
	})
	if err != nil {
		log.WithError(err).Warn("cache profile")
	}
	if err := c.loginLimiter.Reset(c.deviceID); err != nil {
		log.WithError(err).Warn("reset login counter")
	}
	if _, err := c.keys.Fetch(ctx); err != nil {
		log.WithError(err).Warn("shared key not available yet")
	}

	if err := c.start(user, id); err != nil {
		return models.User{}, err
	}
	c.audit.Record(audit.Event{Action: audit.SignInSuccess, Identity: id.UID})
	log.Info("signed in")
	return user, nil
}

// Restore resumes the session cached on this device after a restart.
func (c *Client) Restore(ctx context.Context) (models.User, error) {
	c.signInMu.Lock()
	defer c.signInMu.Unlock()

	if _, ok := c.Current(); ok {
		return models.User{}, ErrAlreadySignedIn
	}

	uid, err := c.local.GetPreference(storage.PrefUserID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && uid == "") {
		return models.User{}, ErrNotSignedIn
	}
	if err != nil {
		return models.User{}, fmt.Errorf("read cached identity: %w", err)
	}

	id, err := c.provider.Current()
	if err != nil || id.UID != uid {
		return models.User{}, ErrNotSignedIn
	}
	if err := c.guard.Resume(ctx, uid); err != nil {
		if errors.Is(err, session.ErrNotBound) {
			return models.User{}, ErrNotSignedIn
		}
		return models.User{}, err
	}
	// Past this point a failure must leave the guard resumable: the cached token stays.
	if err := c.guard.CheckCredential(ctx, id); err != nil {
		c.guard.Detach()
		return models.User{}, err
	}

	doc, err := c.docs.Get(ctx, docstore.CollectionUsers, uid)
	if err != nil {
		c.guard.Detach()
		return models.User{}, fmt.Errorf("read account record: %w", err)
	}
	user := models.UserFromDocument(doc)
	if err := c.start(user, id); err != nil {
		return models.User{}, err
	}
	c.log.WithField("identity", uid).Info("session restored")
	return user, nil
}

// start opens the session-scoped pool and pipelines and begins watching the session record.
func (c *Client) start(user models.User, id identity.Identity) error {
	pool := NewPool(c.poolSize)
	send, err := NewSendPipeline(SendOptions{
		Docs:     c.docs,
		Keys:     c.keys,
		Limiter:  c.messageLimiter,
		Notifier: c.notifier,
		Title:    c.appName,
		Pool:     pool,
		Audit:    c.audit,
		Logger:   c.log,
		Now:      c.now,
	})
	if err != nil {
		pool.Close()
		c.guard.Detach()
		return err
	}

	c.mu.Lock()
	c.active = &activeSession{user: user, identity: id, pool: pool, send: send}
	c.mu.Unlock()

	if err := c.guard.Watch(context.Background()); err != nil {
		c.teardown(c.detach(), true)
		c.guard.Detach()
		return fmt.Errorf("watch session: %w", err)
	}
	return nil
}

// Send queues text for receiver. The future fails with ErrNotSignedIn without a session.
func (c *Client) Send(receiver models.User, text string) *Future[Receipt] {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return completed(Receipt{}, ErrNotSignedIn)
	}
	return s.send.SendAsync(Outgoing{Sender: s.user, Receiver: receiver, Text: text})
}

// Conversation streams the messages exchanged with peer until the stream is closed or the
// session ends.
func (c *Client) Conversation(ctx context.Context, peer string) (*Stream, error) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotSignedIn
	}

	stream, err := c.receive.Subscribe(ctx, s.user.ID, peer)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

// CheckSession re-validates the credential with the identity provider. A rejected
// credential expires the session.
func (c *Client) CheckSession(ctx context.Context) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return ErrNotSignedIn
	}
	return c.guard.CheckCredential(ctx, s.identity)
}

// SignOut ends the session voluntarily: background work stops first, then the account is
// marked offline and local state is wiped.
func (c *Client) SignOut(ctx context.Context) error {
	s := c.detach()
	if s == nil {
		return ErrNotSignedIn
	}
	uid := s.user.ID
	log := c.log.WithField("identity", uid)

	c.audit.Record(audit.Event{Action: audit.SignOut, Identity: uid})
	c.teardown(s, true)
	c.guard.SignOut()

	err := c.docs.Update(ctx, docstore.CollectionUsers, uid, map[string]any{models.FieldAvailability: models.Offline})
	if err != nil {
		log.WithError(err).Warn("mark account offline")
	}
	if err := c.provider.SignOut(ctx); err != nil {
		log.WithError(err).Warn("identity provider sign-out")
	}
	if err := c.wipe(); err != nil {
		return err
	}
	log.Info("signed out")
	return nil
}

// Close stops background work without signing out, so the session can be restored later.
func (c *Client) Close() {
	if s := c.detach(); s != nil {
		c.teardown(s, true)
	}
	c.guard.Close()
}

// invalidate is called by the session guard after a conflict or expiry. It can run on the
// guard's watch goroutine or inside a pool task, so it must not wait for either.
func (c *Client) invalidate(ctx context.Context, uid string, cause error) {
	action := audit.SessionExpired
	if errors.Is(cause, session.ErrSessionConflict) {
		action = audit.SessionConflict
	}
	c.audit.Record(audit.Event{Action: action, Identity: uid, Details: map[string]any{"cause": cause.Error()}})

	if s := c.detach(); s != nil {
		c.teardown(s, false)
	}
	if err := c.provider.SignOut(ctx); err != nil {
		c.log.WithError(err).WithField("identity", uid).Warn("identity provider sign-out")
	}
	if err := c.wipe(); err != nil {
		c.log.WithError(err).WithField("identity", uid).Error("wipe local state")
	}
}

func (c *Client) abortSignIn(ctx context.Context, uid string, action audit.Action, cause error) {
	c.audit.Record(audit.Event{Action: action, Identity: uid, Details: map[string]any{"error": cause.Error()}})
	if err := c.provider.SignOut(ctx); err != nil {
		c.log.WithError(err).WithField("identity", uid).Warn("identity provider sign-out")
	}
}

func (c *Client) detach() *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.active
	c.active = nil
	return s
}

// teardown closes the session's streams and pool. With wait unset, pool tasks are cancelled
// but not awaited.
func (c *Client) teardown(s *activeSession, wait bool) {
	s.mu.Lock()
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	for _, stream := range streams {
		stream.cancel()
	}
	if wait {
		for _, stream := range streams {
			stream.wg.Wait()
		}
		s.pool.Close()
		return
	}
	s.pool.Stop()
}

func (c *Client) wipe() error {
	c.keys.Clear()
	if err := c.local.ClearLocalState(); err != nil {
		return fmt.Errorf("clear local state: %w", err)
	}
	return nil
}
