// Package firestore adapts Cloud Firestore to docstore.Store.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatguard/docstore"
)

type Store struct {
	client *firestore.Client
}

var _ docstore.Store = (*Store)(nil)

// NewStore creates a Firestore client for projectID.
func NewStore(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	if projectID == "" {
		return nil, errors.New("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, _, err := s.client.Collection(collection).Add(ctx, data)
	if err != nil {
		return "", fmt.Errorf("firestore add %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	_, err := s.client.Collection(collection).Doc(id).Update(ctx, updates)
	if err != nil {
		return mapError(fmt.Sprintf("firestore update %s/%s", collection, id), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return docstore.Document{}, mapError(fmt.Sprintf("firestore get %s/%s", collection, id), err)
	}
	return toDocument(snap), nil
}

func (s *Store) Query(ctx context.Context, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	iter := s.query(collection, filters).Documents(ctx)
	defer iter.Stop()

	var out []docstore.Document
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore query %s: %w", collection, err)
		}
		out = append(out, toDocument(snap))
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return mapError(fmt.Sprintf("firestore delete %s/%s", collection, id), err)
	}
	return nil
}

// Subscribe listens with Firestore snapshot listeners. Each snapshot becomes one batch.
func (s *Store) Subscribe(ctx context.Context, target docstore.Target) (docstore.Subscription, error) {
	if target.Collection == "" {
		return nil, errors.New("subscribe: collection is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		out:    make(chan []docstore.Change),
		cancel: cancel,
	}

	if target.DocID != "" {
		iter := s.client.Collection(target.Collection).Doc(target.DocID).Snapshots(ctx)
		go sub.runDocument(ctx, iter)
	} else {
		iter := s.query(target.Collection, target.Filters).Snapshots(ctx)
		go sub.runQuery(ctx, iter)
	}

	return sub, nil
}

func (s *Store) query(collection string, filters []docstore.Filter) firestore.Query {
	q := s.client.Collection(collection).Query
	for _, f := range filters {
		q = q.Where(f.Field, "==", f.Value)
	}
	return q
}

func toDocument(snap *firestore.DocumentSnapshot) docstore.Document {
	return docstore.Document{ID: snap.Ref.ID, Data: snap.Data()}
}

func mapError(op string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s: %w", op, docstore.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type subscription struct {
	out    chan []docstore.Change
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *subscription) Changes() <-chan []docstore.Change { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() { s.cancel() }

func (s *subscription) finish(ctx context.Context, err error) {
	if ctx.Err() == nil && status.Code(err) != codes.Canceled {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	close(s.out)
}

func (s *subscription) send(ctx context.Context, batch []docstore.Change) bool {
	if len(batch) == 0 {
		return true
	}
	select {
	case s.out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *subscription) runDocument(ctx context.Context, iter *firestore.DocumentSnapshotIterator) {
	defer iter.Stop()

	first := true
	for {
		snap, err := iter.Next()
		if err != nil {
			s.finish(ctx, err)
			return
		}

		var change docstore.Change
		switch {
		case !snap.Exists():
			change = docstore.Change{Kind: docstore.Removed, Doc: docstore.Document{ID: snap.Ref.ID}}
		case first:
			change = docstore.Change{Kind: docstore.Added, Doc: toDocument(snap)}
		default:
			change = docstore.Change{Kind: docstore.Modified, Doc: toDocument(snap)}
		}
		first = false

		if !s.send(ctx, []docstore.Change{change}) {
			s.finish(ctx, nil)
			return
		}
	}
}

func (s *subscription) runQuery(ctx context.Context, iter *firestore.QuerySnapshotIterator) {
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err != nil {
			s.finish(ctx, err)
			return
		}

		batch := make([]docstore.Change, 0, len(snap.Changes))
		for _, c := range snap.Changes {
			batch = append(batch, docstore.Change{Kind: changeKind(c.Kind), Doc: toDocument(c.Doc)})
		}
		if !s.send(ctx, batch) {
			s.finish(ctx, nil)
			return
		}
	}
}

func changeKind(kind firestore.DocumentChangeKind) docstore.ChangeKind {
	switch kind {
	case firestore.DocumentAdded:
		return docstore.Added
	case firestore.DocumentRemoved:
		return docstore.Removed
	default:
		return docstore.Modified
	}
}
