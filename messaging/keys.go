package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"chatguard/crypto"
	"chatguard/docstore"
	"chatguard/models"
	"chatguard/storage"
)

// Preferences is the local key/value state the client reads and writes. storage.Store
// satisfies it.
type Preferences interface {
	GetPreference(name string) (string, error)
	PutPreference(name, value string) error
	DeletePreference(name string) error
}

// KeyCache resolves the shared message key: memory first, then the local preference, then
// the trusted config record.
type KeyCache struct {
	docs  docstore.Store
	prefs Preferences
	log   *logrus.Entry

	mu  sync.Mutex
	key crypto.SharedKey
}

func NewKeyCache(docs docstore.Store, prefs Preferences, logger *logrus.Entry) *KeyCache {
	if logger == nil {
		logger = logrus.WithField("component", "messaging")
	}
	return &KeyCache{docs: docs, prefs: prefs, log: logger}
}

// Key returns a copy of the shared key. A key that exists nowhere is crypto.ErrKeyMissing.
func (c *KeyCache) Key(ctx context.Context) (crypto.SharedKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.key) > 0 {
		return c.key.Clone(), nil
	}

	encoded, err := c.prefs.GetPreference(storage.PrefSharedKey)
	switch {
	case err == nil && encoded != "":
		key, err := crypto.ParseSharedKey(encoded)
		if err == nil {
			c.key = key
			return key.Clone(), nil
		}
		c.log.WithError(err).Warn("cached shared key unreadable, fetching again")
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("read cached shared key: %w", err)
	}

	return c.fetchLocked(ctx)
}

// Fetch reloads the key from the config record and caches it.
func (c *KeyCache) Fetch(ctx context.Context) (crypto.SharedKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(ctx)
}

// Clear wipes the in-memory key. The local preference is removed with the rest of the local
// state on sign-out.
func (c *KeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.key.Wipe()
	c.key = nil
}

func (c *KeyCache) fetchLocked(ctx context.Context) (crypto.SharedKey, error) {
	if c.docs == nil {
		return nil, crypto.ErrKeyMissing
	}

	doc, err := c.docs.Get(ctx, docstore.CollectionConfig, models.SharedKeyDocID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: config record absent", crypto.ErrKeyMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch shared key: %w", err)
	}

	key, err := crypto.ParseSharedKey(doc.String(models.FieldSharedKey))
	if err != nil {
		return nil, err
	}
	if err := c.prefs.PutPreference(storage.PrefSharedKey, key.String()); err != nil {
		c.log.WithError(err).Warn("cache shared key")
	}

	c.key.Wipe()
	c.key = key
	c.log.WithField("fingerprint", key.Fingerprint()).Info("shared key loaded")
	return key.Clone(), nil
}
