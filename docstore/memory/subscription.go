package memory

import (
	"context"
	"sync"

	"chatguard/docstore"
)

// subscription buffers batches without bound so writers never block on slow readers.
type subscription struct {
	store   *Store
	target  docstore.Target
	matched map[string]bool

	mu     sync.Mutex
	queue  [][]docstore.Change
	err    error
	signal chan struct{}

	out       chan []docstore.Change
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(store *Store, target docstore.Target) *subscription {
	return &subscription{
		store:   store,
		target:  target,
		matched: make(map[string]bool),
		signal:  make(chan struct{}, 1),
		out:     make(chan []docstore.Change),
		done:    make(chan struct{}),
	}
}

func (s *subscription) Changes() <-chan []docstore.Change {
	return s.out
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

// classify maps a write to a change for this subscription. Caller holds the store lock.
func (s *subscription) classify(doc docstore.Document, present bool) (docstore.Change, bool) {
	if s.target.DocID != "" {
		if doc.ID != s.target.DocID {
			return docstore.Change{}, false
		}
		if !present {
			return docstore.Change{Kind: docstore.Removed, Doc: doc}, true
		}
		return docstore.Change{Kind: docstore.Modified, Doc: doc}, true
	}

	was := s.matched[doc.ID]
	now := present && docstore.Matches(doc, s.target.Filters)
	switch {
	case now && !was:
		s.matched[doc.ID] = true
		return docstore.Change{Kind: docstore.Added, Doc: doc}, true
	case now && was:
		return docstore.Change{Kind: docstore.Modified, Doc: doc}, true
	case !now && was:
		delete(s.matched, doc.ID)
		return docstore.Change{Kind: docstore.Removed, Doc: doc}, true
	default:
		return docstore.Change{}, false
	}
}

func (s *subscription) enqueue(batch []docstore.Change) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, batch)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	defer s.store.remove(s)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		batch := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- batch:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
