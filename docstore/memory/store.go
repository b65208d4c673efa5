// Package memory is an in-process docstore.Store with live subscriptions.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"chatguard/docstore"
)

type collection struct {
	docs  map[string]map[string]any
	order []string
}

// Store keeps documents in memory. Writes are visible to subscribers in commit order.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	subs        map[*subscription]struct{}
	closed      bool
}

var _ docstore.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		collections: make(map[string]*collection),
		subs:        make(map[*subscription]struct{}),
	}
}

// Put creates or replaces a document with a known id.
func (s *Store) Put(collectionName, id string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write(collectionName, id, maps.Clone(data))
}

func (s *Store) Add(ctx context.Context, collectionName string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", docstore.ErrClosed
	}

	id := uuid.NewString()
	s.write(collectionName, id, maps.Clone(data))
	return id, nil
}

func (s *Store) Update(ctx context.Context, collectionName, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}

	current, ok := s.lookup(collectionName, id)
	if !ok {
		return fmt.Errorf("update %s/%s: %w", collectionName, id, docstore.ErrNotFound)
	}

	next := maps.Clone(current)
	maps.Copy(next, fields)
	s.write(collectionName, id, next)
	return nil
}

func (s *Store) Get(ctx context.Context, collectionName, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.lookup(collectionName, id)
	if !ok {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collectionName, id, docstore.ErrNotFound)
	}
	return docstore.Document{ID: id, Data: maps.Clone(data)}, nil
}

func (s *Store) Query(ctx context.Context, collectionName string, filters ...docstore.Filter) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.matching(collectionName, filters), nil
}

func (s *Store) Delete(ctx context.Context, collectionName, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collections[collectionName]
	if c == nil {
		return nil
	}
	data, ok := c.docs[id]
	if !ok {
		return nil
	}

	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	s.notify(collectionName, docstore.Document{ID: id, Data: data}, false)
	return nil
}

// Subscribe starts a subscription whose first batch is the current state of target.
func (s *Store) Subscribe(ctx context.Context, target docstore.Target) (docstore.Subscription, error) {
	if target.Collection == "" {
		return nil, fmt.Errorf("subscribe: collection is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}

	sub := newSubscription(s, target)
	var initial []docstore.Change
	if target.DocID != "" {
		if data, ok := s.lookup(target.Collection, target.DocID); ok {
			initial = append(initial, docstore.Change{Kind: docstore.Added, Doc: docstore.Document{ID: target.DocID, Data: maps.Clone(data)}})
		} else {
			initial = append(initial, docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: target.DocID}})
		}
	} else {
		for _, doc := range s.matching(target.Collection, target.Filters) {
			sub.matched[doc.ID] = true
			initial = append(initial, docstore.Change{Kind: docstore.Added, Doc: doc})
		}
	}
	sub.enqueue(initial)

	s.subs[sub] = struct{}{}
	go sub.pump(ctx)
	return sub, nil
}

// Close ends every subscription. Further writes fail with docstore.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fail(docstore.ErrClosed)
	}
	return nil
}

func (s *Store) lookup(collectionName, id string) (map[string]any, bool) {
	c := s.collections[collectionName]
	if c == nil {
		return nil, false
	}
	data, ok := c.docs[id]
	return data, ok
}

func (s *Store) matching(collectionName string, filters []docstore.Filter) []docstore.Document {
	c := s.collections[collectionName]
	if c == nil {
		return nil
	}

	out := make([]docstore.Document, 0, len(c.order))
	for _, id := range c.order {
		doc := docstore.Document{ID: id, Data: maps.Clone(c.docs[id])}
		if docstore.Matches(doc, filters) {
			out = append(out, doc)
		}
	}
	return out
}

// write stores data and notifies subscribers. Caller holds s.mu.
func (s *Store) write(collectionName, id string, data map[string]any) {
	c := s.collections[collectionName]
	if c == nil {
		c = &collection{docs: make(map[string]map[string]any)}
		s.collections[collectionName] = c
	}
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = data

	s.notify(collectionName, docstore.Document{ID: id, Data: data}, true)
}

func (s *Store) notify(collectionName string, doc docstore.Document, present bool) {
	for sub := range s.subs {
		if sub.target.Collection != collectionName {
			continue
		}
		if change, ok := sub.classify(doc, present); ok {
			change.Doc.Data = maps.Clone(change.Doc.Data)
			sub.enqueue([]docstore.Change{change})
		}
	}
}

func (s *Store) remove(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}
