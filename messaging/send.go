package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chatguard/audit"
	"chatguard/crypto"
	"chatguard/docstore"
	"chatguard/models"
	"chatguard/push"
	"chatguard/ratelimit"
	"chatguard/sanitize"
)

// ErrNoPushTarget means the receiver has no registered device; the message is still stored.
var ErrNoPushTarget = errors.New("receiver has no push target")

// KeySource resolves the shared message key.
type KeySource interface {
	Key(ctx context.Context) (crypto.SharedKey, error)
}

// Notifier delivers one push notification.
type Notifier interface {
	Notify(ctx context.Context, payload push.Payload) (push.Result, error)
}

// Auditor records audit events. audit.Recorder satisfies it.
type Auditor interface {
	Record(e audit.Event)
}

// Outgoing is one message typed by Sender for Receiver. Receiver.PushToken may be empty, in
// which case it is resolved from the receiver's account record before notifying.
type Outgoing struct {
	Sender   models.User
	Receiver models.User
	Text     string
}

// Receipt describes a stored message. Notification is nil when no notifier is configured.
type Receipt struct {
	MessageID    string
	Envelope     string
	SentAt       time.Time
	Notification *Future[push.Result]
}

// SendOptions configures a SendPipeline.
type SendOptions struct {
	Docs     docstore.Store
	Keys     KeySource
	Limiter  *ratelimit.Limiter
	Notifier Notifier
	Title    string
	Pool     *Pool
	Audit    Auditor
	Logger   *logrus.Entry
	Now      func() time.Time
}

// SendPipeline sanitizes, throttles, encrypts and stores outgoing messages, then notifies the
// receiver on the pool. A stored message is never rolled back.
type SendPipeline struct {
	docs     docstore.Store
	keys     KeySource
	limiter  *ratelimit.Limiter
	notifier Notifier
	title    string
	pool     *Pool
	audit    Auditor
	log      *logrus.Entry
	now      func() time.Time
}

func NewSendPipeline(opts SendOptions) (*SendPipeline, error) {
	if opts.Docs == nil {
		return nil, errors.New("document store is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("key source is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("message limiter is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if opts.Audit == nil {
		opts.Audit = nopAuditor{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "messaging")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &SendPipeline{
		docs:     opts.Docs,
		keys:     opts.Keys,
		limiter:  opts.Limiter,
		notifier: opts.Notifier,
		title:    opts.Title,
		pool:     opts.Pool,
		audit:    opts.Audit,
		log:      opts.Logger,
		now:      opts.Now,
	}, nil
}

// SendAsync runs Send on the pool.
func (p *SendPipeline) SendAsync(msg Outgoing) *Future[Receipt] {
	return Submit(p.pool, func(ctx context.Context) (Receipt, error) {
		return p.Send(ctx, msg)
	})
}

// Send stores msg and schedules its notification. Nothing is stored when the text is
// rejected, the sender is throttled, or the key is unavailable.
func (p *SendPipeline) Send(ctx context.Context, msg Outgoing) (Receipt, error) {
	sender, receiver := msg.Sender.ID, msg.Receiver.ID
	if sender == "" || receiver == "" {
		return Receipt{}, errors.New("send: sender and receiver are required")
	}
	log := p.log.WithFields(logrus.Fields{"identity": sender, "receiver": receiver})

	sanitized, err := sanitize.Sanitize(msg.Text)
	if err != nil {
		p.failed(msg, "invalid_input", err)
		return Receipt{}, err
	}

	// A cancelled task belongs to a torn-down session and must not touch its counters.
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	// The slot is taken before any slow work so concurrent sends cannot overshoot the limit.
	slot, err := p.limiter.Acquire(sender)
	var denied *ratelimit.DeniedError
	if errors.As(err, &denied) {
		p.audit.Record(audit.Event{
			Action:      audit.RateLimitExceeded,
			Identity:    sender,
			Counterpart: receiver,
			Details:     map[string]any{"retry_after_ms": denied.RetryAfter.Milliseconds()},
		})
		return Receipt{}, denied
	}
	if err != nil {
		p.failed(msg, "rate_state", err)
		return Receipt{}, fmt.Errorf("acquire send slot: %w", err)
	}

	key, err := p.keys.Key(ctx)
	if err != nil {
		p.abandon(msg, slot, "key", err)
		return Receipt{}, err
	}
	envelope, err := crypto.Encrypt(key, sanitized)
	key.Wipe()
	if err != nil {
		p.abandon(msg, slot, "encrypt", err)
		return Receipt{}, err
	}

	sentAt := p.now()
	id, err := p.docs.Add(ctx, docstore.CollectionChat, models.ChatMessage{
		SenderID:   sender,
		ReceiverID: receiver,
		Message:    envelope,
		Timestamp:  sentAt,
	}.Fields())
	if err != nil {
		p.abandon(msg, slot, "persist", err)
		return Receipt{}, fmt.Errorf("store message: %w", err)
	}

	p.audit.Record(audit.Event{Action: audit.MessageSent, Identity: sender, Counterpart: receiver})

	if err := p.upsertConversation(ctx, msg, envelope, sentAt); err != nil {
		log.WithError(err).Warn("update conversation")
	}

	receipt := Receipt{MessageID: id, Envelope: envelope, SentAt: sentAt}
	if p.notifier != nil {
		receipt.Notification = Submit(p.pool, func(ctx context.Context) (push.Result, error) {
			return p.notify(ctx, msg)
		})
	}
	log.WithField("message_id", id).Debug("message stored")
	return receipt, nil
}

// abandon gives the reserved slot back for a message that was never stored.
func (p *SendPipeline) abandon(msg Outgoing, slot ratelimit.Decision, stage string, err error) {
	if releaseErr := p.limiter.Release(msg.Sender.ID, slot); releaseErr != nil {
		p.log.WithError(releaseErr).WithField("identity", msg.Sender.ID).Warn("release send slot")
	}
	p.failed(msg, stage, err)
}

func (p *SendPipeline) failed(msg Outgoing, stage string, err error) {
	p.audit.Record(audit.Event{
		Action:      audit.MessageSendFailed,
		Identity:    msg.Sender.ID,
		Counterpart: msg.Receiver.ID,
		Details:     map[string]any{"stage": stage, "error": err.Error()},
	})
}

// upsertConversation moves the pair's conversation record forward, creating it on first send.
func (p *SendPipeline) upsertConversation(ctx context.Context, msg Outgoing, envelope string, at time.Time) error {
	sender, receiver := msg.Sender.ID, msg.Receiver.ID

	existing, err := p.docs.Query(ctx, docstore.CollectionConversations,
		docstore.Eq(models.FieldSenderID, sender), docstore.Eq(models.FieldReceiverID, receiver))
	if err != nil {
		return fmt.Errorf("query conversation: %w", err)
	}
	if len(existing) == 0 {
		existing, err = p.docs.Query(ctx, docstore.CollectionConversations,
			docstore.Eq(models.FieldSenderID, receiver), docstore.Eq(models.FieldReceiverID, sender))
		if err != nil {
			return fmt.Errorf("query conversation: %w", err)
		}
	}

	if len(existing) > 0 {
		return p.docs.Update(ctx, docstore.CollectionConversations, existing[0].ID, map[string]any{
			models.FieldLastMessage: envelope,
			models.FieldTimestamp:   at,
		})
	}

	_, err = p.docs.Add(ctx, docstore.CollectionConversations, models.Conversation{
		SenderID:      sender,
		SenderName:    msg.Sender.Name,
		SenderImage:   msg.Sender.Image,
		ReceiverID:    receiver,
		ReceiverName:  msg.Receiver.Name,
		ReceiverImage: msg.Receiver.Image,
		LastMessage:   envelope,
		Timestamp:     at,
	}.Fields())
	return err
}

// notify resolves the receiver's push target if needed and dispatches once.
func (p *SendPipeline) notify(ctx context.Context, msg Outgoing) (push.Result, error) {
	sender, receiver := msg.Sender.ID, msg.Receiver.ID
	log := p.log.WithFields(logrus.Fields{"identity": sender, "receiver": receiver})

	target := msg.Receiver.PushToken
	if target == "" {
		doc, err := p.docs.Get(ctx, docstore.CollectionUsers, receiver)
		if err != nil {
			p.audit.Record(audit.Event{Action: audit.PushTokenFetchFailed, Identity: sender, Counterpart: receiver})
			return push.Result{}, fmt.Errorf("resolve push target: %w", err)
		}
		target = models.UserFromDocument(doc).PushToken
	}
	if target == "" {
		p.audit.Record(audit.Event{Action: audit.PushTokenMissing, Identity: sender, Counterpart: receiver})
		return push.Result{}, ErrNoPushTarget
	}

	payload := push.NewMessagePayload(target, sender, msg.Sender.Name)
	if p.title != "" {
		payload.Title = p.title
	}
	res, err := p.notifier.Notify(ctx, payload)
	if err != nil {
		action := audit.PushSendFailed
		if errors.Is(err, push.ErrCredentialUnavailable) || errors.Is(err, push.ErrRefreshFailure) {
			action = audit.AccessTokenFailed
		}
		p.audit.Record(audit.Event{
			Action:      action,
			Identity:    sender,
			Counterpart: receiver,
			Details:     map[string]any{"error": err.Error()},
		})
		log.WithError(err).Info("notification not delivered")
		return push.Result{}, err
	}

	p.audit.Record(audit.Event{Action: audit.PushSent, Identity: sender, Counterpart: receiver})
	return res, nil
}

type nopAuditor struct{}

func (nopAuditor) Record(audit.Event) {}
