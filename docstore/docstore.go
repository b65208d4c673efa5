// Package docstore defines the remote document store the client talks to: keyed documents in
// named collections, equality queries and change subscriptions.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Collections used by the client.
const (
	CollectionUsers         = "users"
	CollectionChat          = "chat"
	CollectionConversations = "conversations"
	CollectionConfig        = "config"
	CollectionLogs          = "logs"
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store closed")
)

// Document is one record. Data values are strings, numbers, bools or time.Time.
type Document struct {
	ID   string
	Data map[string]any
}

// String returns the string field name, or "" when absent or not a string.
func (d Document) String(name string) string {
	v, _ := d.Data[name].(string)
	return v
}

// Filter is an equality constraint on one field.
type Filter struct {
	Field string
	Value any
}

// Eq builds a Filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Matches reports whether doc satisfies every filter.
func Matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if v, ok := doc.Data[f.Field]; !ok || v != f.Value {
			return false
		}
	}
	return true
}

// Target selects what a subscription observes: one document when DocID is set, otherwise
// the documents of Collection matching Filters.
type Target struct {
	Collection string
	DocID      string
	Filters    []Filter
}

func (t Target) String() string {
	if t.DocID != "" {
		return t.Collection + "/" + t.DocID
	}
	return fmt.Sprintf("%s%v", t.Collection, t.Filters)
}

// ChangeKind classifies one document change.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one document change within a snapshot.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Subscription is a cancellable stream of change batches. The first batch is the initial
// snapshot. Changes is closed when the subscription ends; Err then reports why, or nil after
// Close or context cancellation.
type Subscription interface {
	Changes() <-chan []Change
	Err() error
	Close()
}

// Store is the remote document store.
type Store interface {
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, target Target) (Subscription, error)
}
