package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// TokenSource is what the Notifier needs from a TokenProvider.
type TokenSource interface {
	AccessToken(ctx context.Context) (AccessToken, error)
	Invalidate()
}

// Notifier obtains a token and dispatches once. An unauthorized response drops the cached
// token so the next notification refreshes it.
type Notifier struct {
	tokens     TokenSource
	dispatcher *Dispatcher
	log        *logrus.Entry
}

func NewNotifier(tokens TokenSource, dispatcher *Dispatcher, logger *logrus.Entry) *Notifier {
	if logger == nil {
		logger = logrus.WithField("component", "push")
	}
	return &Notifier{tokens: tokens, dispatcher: dispatcher, log: logger}
}

func (n *Notifier) Notify(ctx context.Context, payload Payload) (Result, error) {
	token, err := n.tokens.AccessToken(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("get access token: %w", err)
	}

	res, err := n.dispatcher.Dispatch(ctx, payload, token)
	if errors.Is(err, ErrUnauthorized) {
		n.log.Info("push gateway rejected access token, invalidating")
		n.tokens.Invalidate()
	}
	return res, err
}
