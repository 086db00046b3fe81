// Package memory is an in-process docstore backend. Clients opened with the
// same name share state for the life of the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"docmigrate/pkg/docstore"
)

// Option configures a Client.
type Option func(*Client)

// WithClock replaces time.Now, used to evaluate TTL indexes.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

type collState struct {
	docs    []docstore.Document
	indexes []docstore.IndexSpec
}

type server struct {
	mu  sync.Mutex
	dbs map[string]map[string]*collState
}

var (
	serversMu sync.Mutex
	servers   = map[string]*server{}
)

// Client is a docstore.Client backed by process memory.
type Client struct {
	srv *server
	now func() time.Time
}

// New returns a client with private, empty state.
func New(opts ...Option) *Client {
	return newClient(&server{dbs: map[string]map[string]*collState{}}, opts)
}

// Open returns a client attached to the named shared state, creating it on
// first use.
func Open(name string, opts ...Option) *Client {
	serversMu.Lock()
	srv, ok := servers[name]
	if !ok {
		srv = &server{dbs: map[string]map[string]*collState{}}
		servers[name] = srv
	}
	serversMu.Unlock()
	return newClient(srv, opts)
}

// Forget drops the named shared state.
func Forget(name string) {
	serversMu.Lock()
	delete(servers, name)
	serversMu.Unlock()
}

func newClient(srv *server, opts []Option) *Client {
	c := &Client{srv: srv, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Database(name string) docstore.Database {
	return &Database{client: c, name: name}
}

// WithTransaction snapshots all state and restores it when fn fails. It
// provides rollback, not isolation from concurrent callers.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	c.srv.mu.Lock()
	snapshot := c.srv.clone()
	c.srv.mu.Unlock()

	if err := fn(ctx); err != nil {
		c.srv.mu.Lock()
		c.srv.dbs = snapshot
		c.srv.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error { return ctx.Err() }

func (c *Client) Close(context.Context) error { return nil }

func (s *server) clone() map[string]map[string]*collState {
	out := make(map[string]map[string]*collState, len(s.dbs))
	for dbName, colls := range s.dbs {
		cc := make(map[string]*collState, len(colls))
		for name, st := range colls {
			docs := make([]docstore.Document, len(st.docs))
			for i, d := range st.docs {
				docs[i] = copyDoc(d)
			}
			cc[name] = &collState{docs: docs, indexes: append([]docstore.IndexSpec(nil), st.indexes...)}
		}
		out[dbName] = cc
	}
	return out
}

// Database is a docstore.Database in memory.
type Database struct {
	client *Client
	name   string
}

func (d *Database) Name() string { return d.name }

func (d *Database) Collection(name string) docstore.Collection {
	return &Collection{db: d, name: name}
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srv := d.client.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	names := make([]string, 0, len(srv.dbs[d.name]))
	for n := range srv.dbs[d.name] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Collection is a docstore.Collection in memory.
type Collection struct {
	db   *Database
	name string
}

func (c *Collection) Name() string { return c.name }

// with runs fn under the server lock on this collection's state after
// purging expired documents.
func (c *Collection) with(ctx context.Context, fn func(st *collState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srv := c.db.client.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	colls, ok := srv.dbs[c.db.name]
	if !ok {
		colls = map[string]*collState{}
		srv.dbs[c.db.name] = colls
	}
	st, ok := colls[c.name]
	if !ok {
		st = &collState{}
		colls[c.name] = st
	}
	st.purge(c.db.client.now())
	return fn(st)
}

func (c *Collection) InsertOne(ctx context.Context, doc docstore.Document) error {
	return c.with(ctx, func(st *collState) error {
		return st.insert(doc)
	})
}

func (c *Collection) InsertMany(ctx context.Context, docs []docstore.Document) error {
	return c.with(ctx, func(st *collState) error {
		for _, d := range docs {
			if err := st.insert(d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Collection) Find(ctx context.Context, filter docstore.Filter) ([]docstore.Document, error) {
	var out []docstore.Document
	err := c.with(ctx, func(st *collState) error {
		for _, d := range st.docs {
			if matches(d, filter) {
				out = append(out, copyDoc(d))
			}
		}
		return nil
	})
	return out, err
}

func (c *Collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	var out docstore.Document
	err := c.with(ctx, func(st *collState) error {
		for _, d := range st.docs {
			if matches(d, filter) {
				out = copyDoc(d)
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (c *Collection) CountDocuments(ctx context.Context, filter docstore.Filter) (int64, error) {
	var n int64
	err := c.with(ctx, func(st *collState) error {
		for _, d := range st.docs {
			if matches(d, filter) {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (c *Collection) UpdateMany(ctx context.Context, filter docstore.Filter, set docstore.Document) (int64, error) {
	var n int64
	err := c.with(ctx, func(st *collState) error {
		for i, d := range st.docs {
			if !matches(d, filter) {
				continue
			}
			updated := copyDoc(d)
			for k, v := range set {
				updated[k] = v
			}
			st.docs[i] = updated
			n++
		}
		return nil
	})
	return n, err
}

func (c *Collection) DeleteOne(ctx context.Context, filter docstore.Filter) (int64, error) {
	var n int64
	err := c.with(ctx, func(st *collState) error {
		for i, d := range st.docs {
			if matches(d, filter) {
				st.docs = append(st.docs[:i], st.docs[i+1:]...)
				n = 1
				return nil
			}
		}
		return nil
	})
	return n, err
}

func (c *Collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int64, error) {
	var n int64
	err := c.with(ctx, func(st *collState) error {
		kept := st.docs[:0]
		for _, d := range st.docs {
			if matches(d, filter) {
				n++
				continue
			}
			kept = append(kept, d)
		}
		st.docs = kept
		return nil
	})
	return n, err
}

func (c *Collection) CreateIndex(ctx context.Context, spec docstore.IndexSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	name := spec.IndexName()
	err := c.with(ctx, func(st *collState) error {
		for _, idx := range st.indexes {
			if idx.IndexName() == name {
				if idx.Unique != spec.Unique || idx.ExpireAfter != spec.ExpireAfter {
					return fmt.Errorf("create index %s: %w", name, docstore.ErrIndexConflict)
				}
				return nil
			}
		}
		if spec.Unique {
			for i, d := range st.docs {
				if conflicts(st.docs[:i], d, spec) {
					return fmt.Errorf("create index %s: %w", name, docstore.ErrDuplicateKey)
				}
			}
		}
		spec.Name = name
		st.indexes = append(st.indexes, spec)
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	return c.with(ctx, func(st *collState) error {
		for i, idx := range st.indexes {
			if idx.IndexName() == name {
				st.indexes = append(st.indexes[:i], st.indexes[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (c *Collection) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srv := c.db.client.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.dbs[c.db.name], c.name)
	return nil
}

func (st *collState) insert(doc docstore.Document) error {
	for _, idx := range st.indexes {
		if idx.Unique && conflicts(st.docs, doc, idx) {
			return fmt.Errorf("index %s: %w", idx.IndexName(), docstore.ErrDuplicateKey)
		}
	}
	st.docs = append(st.docs, copyDoc(doc))
	return nil
}

func (st *collState) purge(now time.Time) {
	for _, idx := range st.indexes {
		if idx.ExpireAfter <= 0 {
			continue
		}
		field := idx.Keys[0].Field
		kept := st.docs[:0]
		for _, d := range st.docs {
			if t, ok := docstore.Time(d[field]); ok && !t.Add(idx.ExpireAfter).After(now) {
				continue
			}
			kept = append(kept, d)
		}
		st.docs = kept
	}
}

// conflicts reports whether doc collides with any of docs on the unique
// index. Documents missing an indexed field never collide.
func conflicts(docs []docstore.Document, doc docstore.Document, idx docstore.IndexSpec) bool {
	key := docstore.Filter{}
	for _, k := range idx.Keys {
		v, ok := doc[k.Field]
		if !ok {
			return false
		}
		key[k.Field] = v
	}
	for _, d := range docs {
		if matches(d, key) {
			return true
		}
	}
	return false
}

func matches(doc docstore.Document, filter docstore.Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !docstore.Equal(got, want) {
			return false
		}
	}
	return true
}

func copyDoc(d docstore.Document) docstore.Document {
	out := make(docstore.Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
