package messaging

import (
	"context"

	"chatguard/docstore"
	"chatguard/models"
)

// LifecycleObserver is notified when the application moves between foreground and
// background.
type LifecycleObserver interface {
	OnResume(ctx context.Context)
	OnPause(ctx context.Context)
}

// OnResume marks the signed-in user available.
func (c *Client) OnResume(context.Context) {
	c.setAvailability(models.Online)
}

// OnPause marks the signed-in user away.
func (c *Client) OnPause(context.Context) {
	c.setAvailability(models.Offline)
}

// setAvailability updates presence on the session pool and returns the pending write, or nil
// without a session.
func (c *Client) setAvailability(value int64) *Future[struct{}] {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	uid := s.user.ID
	return Submit(s.pool, func(ctx context.Context) (struct{}, error) {
		err := c.docs.Update(ctx, docstore.CollectionUsers, uid, map[string]any{models.FieldAvailability: value})
		if err != nil {
			c.log.WithError(err).WithField("identity", uid).Warn("update availability")
		}
		return struct{}{}, err
	})
}
