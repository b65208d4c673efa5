package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"chatguard/audit"
	"chatguard/crypto"
	"chatguard/docstore"
	"chatguard/models"
	"chatguard/sanitize"
)

// Received is one message of a conversation ready for display. When Err is set, Text is empty
// and the message must be shown as undecryptable.
type Received struct {
	Message models.ChatMessage
	Text    string
	Err     error
}

// Outgoing reports whether self sent the message.
func (r Received) Outgoing(self string) bool {
	return r.Message.SenderID == self
}

// ReceiveOptions configures a ReceivePipeline.
type ReceiveOptions struct {
	Docs   docstore.Store
	Keys   KeySource
	Audit  Auditor
	Logger *logrus.Entry
}

// ReceivePipeline turns stored envelopes back into display text.
type ReceivePipeline struct {
	docs  docstore.Store
	keys  KeySource
	audit Auditor
	log   *logrus.Entry
}

func NewReceivePipeline(opts ReceiveOptions) (*ReceivePipeline, error) {
	if opts.Docs == nil {
		return nil, errors.New("document store is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("key source is required")
	}
	if opts.Audit == nil {
		opts.Audit = nopAuditor{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "messaging")
	}

	return &ReceivePipeline{docs: opts.Docs, keys: opts.Keys, audit: opts.Audit, log: opts.Logger}, nil
}

// Open decodes one envelope. Failures are typed crypto errors, never the raw envelope.
func (p *ReceivePipeline) Open(ctx context.Context, self string, msg models.ChatMessage) Received {
	out := Received{Message: msg}

	key, err := p.keys.Key(ctx)
	if err != nil {
		out.Err = err
	} else {
		var plain string
		plain, err = crypto.Decrypt(key, msg.Message)
		key.Wipe()
		if err != nil {
			out.Err = fmt.Errorf("message %s: %w", msg.ID, err)
		} else {
			out.Text = sanitize.Unsanitize(plain)
		}
	}

	if out.Err != nil {
		p.audit.Record(audit.Event{
			Action:      audit.DecryptionFailed,
			Identity:    self,
			Counterpart: msg.SenderID,
			Details:     map[string]any{"message_id": msg.ID, "error": out.Err.Error()},
		})
	}
	return out
}

// Stream is the live message feed of one conversation.
type Stream struct {
	out    chan []Received
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Messages delivers new messages in batches ordered by timestamp. The first batch of each
// direction holds its stored history. The channel is closed when the stream ends.
func (s *Stream) Messages() <-chan []Received {
	return s.out
}

// Err reports why the stream ended, or nil after Close or cancellation.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops both subscriptions and waits for the handler to exit.
func (s *Stream) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Subscribe follows the conversation between self and peer: messages self sent to peer and
// messages peer sent to self, merged by one handler.
func (p *ReceivePipeline) Subscribe(ctx context.Context, self, peer string) (*Stream, error) {
	if self == "" || peer == "" {
		return nil, errors.New("subscribe: both participants are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	sent, err := p.docs.Subscribe(ctx, docstore.Target{
		Collection: docstore.CollectionChat,
		Filters:    []docstore.Filter{docstore.Eq(models.FieldSenderID, self), docstore.Eq(models.FieldReceiverID, peer)},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe sent messages: %w", err)
	}
	received, err := p.docs.Subscribe(ctx, docstore.Target{
		Collection: docstore.CollectionChat,
		Filters:    []docstore.Filter{docstore.Eq(models.FieldSenderID, peer), docstore.Eq(models.FieldReceiverID, self)},
	})
	if err != nil {
		sent.Close()
		cancel()
		return nil, fmt.Errorf("subscribe received messages: %w", err)
	}

	s := &Stream{out: make(chan []Received), cancel: cancel}
	s.wg.Add(1)
	go p.handle(ctx, s, self, sent, received)
	return s, nil
}

func (p *ReceivePipeline) handle(ctx context.Context, s *Stream, self string, sent, received docstore.Subscription) {
	subs := [2]docstore.Subscription{sent, received}
	defer s.wg.Done()
	defer close(s.out)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	feeds := [2]<-chan []docstore.Change{sent.Changes(), received.Changes()}

	for open := len(feeds); open > 0; {
		var (
			batch []docstore.Change
			ok    bool
			from  int
		)
		select {
		case batch, ok = <-feeds[0]:
			from = 0
		case batch, ok = <-feeds[1]:
			from = 1
		case <-ctx.Done():
			return
		}
		if !ok {
			if err := subs[from].Err(); err != nil {
				s.fail(err)
				return
			}
			feeds[from] = nil
			open--
			continue
		}

		decoded := p.decodeBatch(ctx, self, batch)
		if len(decoded) == 0 {
			continue
		}
		select {
		case s.out <- decoded:
		case <-ctx.Done():
			return
		}
	}
}

// decodeBatch opens the added messages of one snapshot and orders them by timestamp.
func (p *ReceivePipeline) decodeBatch(ctx context.Context, self string, batch []docstore.Change) []Received {
	out := make([]Received, 0, len(batch))
	for _, change := range batch {
		if change.Kind != docstore.Added {
			continue
		}
		out = append(out, p.Open(ctx, self, models.ChatMessageFromDocument(change.Doc)))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Message.Timestamp.Before(out[j].Message.Timestamp)
	})
	return out
}
