// Package docstore defines the document-store primitives used by the
// migrator and handed to migration scripts.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateKey is returned by every backend when an insert violates a
// unique index.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrIndexConflict is returned by CreateIndex when an index with the same
// name exists with different options.
var ErrIndexConflict = errors.New("index exists with different options")

// Document is a single stored document.
type Document map[string]any

// Filter selects documents by top-level field equality. An empty filter
// matches every document.
type Filter map[string]any

// IndexKey is one field of an index.
type IndexKey struct {
	Field      string
	Descending bool
}

// IndexSpec describes an index to create on a collection.
type IndexSpec struct {
	Name   string
	Keys   []IndexKey
	Unique bool
	// ExpireAfter makes the index a TTL index on its single time field.
	ExpireAfter time.Duration
}

// IndexName returns the explicit name or one derived from the keys.
func (s IndexSpec) IndexName() string {
	if s.Name != "" {
		return s.Name
	}
	parts := make([]string, 0, len(s.Keys)*2)
	for _, k := range s.Keys {
		dir := "1"
		if k.Descending {
			dir = "-1"
		}
		parts = append(parts, k.Field, dir)
	}
	return strings.Join(parts, "_")
}

// Validate checks the spec is usable by a backend.
func (s IndexSpec) Validate() error {
	if len(s.Keys) == 0 {
		return fmt.Errorf("index %q: no keys", s.Name)
	}
	if s.ExpireAfter < 0 {
		return fmt.Errorf("index %q: negative expiry", s.IndexName())
	}
	if s.ExpireAfter > 0 && len(s.Keys) != 1 {
		return fmt.Errorf("index %q: ttl index must have exactly one key", s.IndexName())
	}
	return nil
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	InsertOne(ctx context.Context, doc Document) error
	InsertMany(ctx context.Context, docs []Document) error
	// Find returns matching documents in natural (insertion) order.
	Find(ctx context.Context, filter Filter) ([]Document, error)
	// FindOne returns the first match, or nil, nil when nothing matches.
	FindOne(ctx context.Context, filter Filter) (Document, error)
	CountDocuments(ctx context.Context, filter Filter) (int64, error)
	// UpdateMany sets the given fields on every matching document and
	// returns the number of matched documents.
	UpdateMany(ctx context.Context, filter Filter, set Document) (int64, error)
	DeleteOne(ctx context.Context, filter Filter) (int64, error)
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
	CreateIndex(ctx context.Context, spec IndexSpec) (string, error)
	// DropIndex removes the named index. A missing index is not an error.
	DropIndex(ctx context.Context, name string) error
	Drop(ctx context.Context) error
}

// Database groups collections.
type Database interface {
	Name() string
	Collection(name string) Collection
	ListCollectionNames(ctx context.Context) ([]string, error)
}

// Client is a connection to a backend.
type Client interface {
	Database(name string) Database
	// WithTransaction runs fn inside a multi-document transaction. Operations
	// must use the context passed to fn to take part in it.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
