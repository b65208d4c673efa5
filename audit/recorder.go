// Package audit records security-relevant actions locally and mirrors them to the remote
// logs collection. Recording never fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatguard/docstore"
	"chatguard/models"
	"chatguard/storage"
)

// Action names an audited event. The values are shared with the remote logs collection.
type Action string

const (
	MessageSent          Action = "message_sent"
	MessageSendFailed    Action = "message_send_failed"
	RateLimitExceeded    Action = "rate_limit_exceeded"
	DecryptionFailed     Action = "decryption_failed"
	PushTokenMissing     Action = "fcm_token_missing"
	PushTokenFetchFailed Action = "fcm_fetch_failed"
	AccessTokenFailed    Action = "fcm_access_token_failed"
	PushSent             Action = "fcm_sent"
	PushSendFailed       Action = "fcm_send_failed"
	SignInSuccess        Action = "sign_in_success"
	InvalidEmail         Action = "invalid_email"
	InvalidPassword      Action = "invalid_password"
	SignInFailed         Action = "sign_in_failed"
	EmailNotVerified     Action = "email_not_verified"
	AccountNotFound      Action = "account_not_found"
	SessionConflict      Action = "session_conflict"
	SessionExpired       Action = "session_expired"
	SignOut              Action = "sign_out"
	LoginRateLimited     Action = "login_rate_limited"
)

// Severity returns the local security-event severity for a.
func (a Action) Severity() string {
	switch a {
	case SessionConflict, DecryptionFailed:
		return storage.SecuritySeverityCritical
	case MessageSendFailed, RateLimitExceeded, PushTokenFetchFailed, AccessTokenFailed,
		PushSendFailed, InvalidEmail, InvalidPassword, SignInFailed, EmailNotVerified,
		AccountNotFound, SessionExpired, LoginRateLimited:
		return storage.SecuritySeverityWarning
	default:
		return storage.SecuritySeverityInfo
	}
}

// Event is one audited action.
type Event struct {
	Action      Action
	Identity    string
	Counterpart string
	Details     map[string]any
}

// EventLog is the local audit sink. storage.Store satisfies it.
type EventLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Options configures a Recorder. Remote is optional.
type Options struct {
	Local         EventLog
	Remote        docstore.Store
	DeviceInfo    string
	QueueSize     int
	RemoteTimeout time.Duration
	Logger        *logrus.Entry
	Now           func() time.Time
}

// Recorder writes audit events. Remote mirroring happens on a background goroutine and is
// dropped when the queue is full.
type Recorder struct {
	local         EventLog
	remote        docstore.Store
	deviceInfo    string
	remoteTimeout time.Duration
	log           *logrus.Entry
	now           func() time.Time

	queue chan models.AuditEntry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Local == nil {
		return nil, errors.New("local event log is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "audit")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		local:         opts.Local,
		remote:        opts.Remote,
		deviceInfo:    opts.DeviceInfo,
		remoteTimeout: opts.RemoteTimeout,
		log:           opts.Logger,
		now:           opts.Now,
		queue:         make(chan models.AuditEntry, opts.QueueSize),
		ctx:           ctx,
		cancel:        cancel,
	}
	if r.remote != nil {
		r.wg.Add(1)
		go r.mirrorLoop()
	}
	return r, nil
}

// Record stores e locally and queues it for the remote log.
func (r *Recorder) Record(e Event) {
	if e.Action == "" {
		r.log.Warn("audit event without action ignored")
		return
	}

	at := r.now()
	log := r.log.WithFields(logrus.Fields{"action": string(e.Action), "identity": e.Identity})

	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			log.WithError(err).Warn("encode audit details")
		} else {
			details = string(raw)
		}
	}

	err := r.local.LogSecurityEvent(storage.SecurityEvent{
		EventType:   string(e.Action),
		Identity:    optional(e.Identity),
		Counterpart: optional(e.Counterpart),
		Details:     details,
		Severity:    e.Action.Severity(),
		Timestamp:   at.UnixMilli(),
	})
	if err != nil {
		log.WithError(err).Warn("write local audit event")
	}

	if r.remote == nil {
		return
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	entry := models.AuditEntry{
		UserID:     e.Identity,
		Action:     string(e.Action),
		ReceiverID: e.Counterpart,
		Timestamp:  at,
		DeviceInfo: r.deviceInfo,
	}
	select {
	case r.queue <- entry:
	default:
		log.Warn("audit mirror queue full, event dropped")
	}
}

// Close flushes queued remote entries and stops the mirror.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		close(r.queue)
		r.closeMu.Unlock()

		r.wg.Wait()
		r.cancel()
	})
}

func (r *Recorder) mirrorLoop() {
	defer r.wg.Done()

	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(r.ctx, r.remoteTimeout)
		_, err := r.remote.Add(ctx, docstore.CollectionLogs, entry.Fields())
		cancel()
		if err != nil {
			r.log.WithError(err).WithField("action", entry.Action).Warn("mirror audit event")
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
