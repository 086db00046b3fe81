package migrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"docmigrate/internal/driver/memory"
	"docmigrate/pkg/docstore"
)

// fakeSource serves in-memory bodies and records every invocation.
type fakeSource struct {
	mu      sync.Mutex
	bodies  map[string]*Body
	hashes  map[string]string
	listErr error
	calls   []string
}

func newFakeSource(ids ...string) *fakeSource {
	s := &fakeSource{bodies: map[string]*Body{}, hashes: map[string]string{}}
	for _, id := range ids {
		s.add(id, nil, nil)
	}
	return s
}

// add registers id; nil errors make the procedure succeed.
func (s *fakeSource) add(id string, upErr, downErr error) {
	s.bodies[id] = &Body{
		ID: id,
		Up: func(ctx context.Context, db docstore.Database, _ docstore.Client) error {
			s.record("up:" + id)
			if upErr != nil {
				return upErr
			}
			return db.Collection("effects").InsertOne(ctx, docstore.Document{"id": id})
		},
		Down: func(ctx context.Context, db docstore.Database, _ docstore.Client) error {
			s.record("down:" + id)
			if downErr != nil {
				return downErr
			}
			_, err := db.Collection("effects").DeleteMany(ctx, docstore.Filter{"id": id})
			return err
		},
	}
}

func (s *fakeSource) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSource) invocations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSource) List(context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.bodies))
	for id := range s.bodies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeSource) Load(_ context.Context, id string) (*Body, error) {
	b, ok := s.bodies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrIO, id)
	}
	return b, nil
}

func (s *fakeSource) Hash(_ context.Context, id string) (string, error) {
	return s.hashes[id], nil
}

// testClock is shared by a runner and its backend. The runner ticks it,
// advancing one second per call; the backend only reads it.
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{cur: start} }

func (c *testClock) Tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cur
	c.cur = c.cur.Add(time.Second)
	return now
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Advance moves the clock forward without a tick.
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, src Source, opts ...Option) (*Runner, docstore.Database) {
	t.Helper()
	r, db, _ := newClockedRunner(t, src, opts...)
	return r, db
}

// newClockedRunner returns a runner over a memory backend that expires TTL
// records against the runner's own clock.
func newClockedRunner(t *testing.T, src Source, opts ...Option) (*Runner, docstore.Database, *testClock) {
	t.Helper()
	clock := newTestClock(testStart)
	client := memory.New(memory.WithClock(clock.Now))
	db := client.Database("app")
	opts = append([]Option{WithClock(clock.Tick)}, opts...)
	return NewRunner(client, db, src, opts...), db, clock
}

var errInjected = errors.New("injected failure")

// faultyDB fails writes to selected collections.
type faultyDB struct {
	docstore.Database
	failInsert map[string]bool
	failDelete map[string]bool
}

func (f *faultyDB) Collection(name string) docstore.Collection {
	return &faultyCollection{
		Collection: f.Database.Collection(name),
		failInsert: f.failInsert[name],
		failDelete: f.failDelete[name],
	}
}

type faultyCollection struct {
	docstore.Collection
	failInsert bool
	failDelete bool
}

func (c *faultyCollection) InsertOne(ctx context.Context, doc docstore.Document) error {
	if c.failInsert {
		return errInjected
	}
	return c.Collection.InsertOne(ctx, doc)
}

func (c *faultyCollection) DeleteOne(ctx context.Context, f docstore.Filter) (int64, error) {
	if c.failDelete {
		return 0, errInjected
	}
	return c.Collection.DeleteOne(ctx, f)
}

func (c *faultyCollection) DeleteMany(ctx context.Context, f docstore.Filter) (int64, error) {
	if c.failDelete {
		return 0, errInjected
	}
	return c.Collection.DeleteMany(ctx, f)
}
