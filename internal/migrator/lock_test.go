package migrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docmigrate/internal/driver/memory"
	"docmigrate/pkg/docstore"
)

func TestLock_Disabled(t *testing.T) {
	ctx := context.Background()
	db := memory.New().Database("app")

	for name, l := range map[string]*Lock{
		"zero ttl":      NewLock(db, "changelog_lock", 0, nil),
		"no collection": NewLock(db, "", time.Minute, nil),
		"negative ttl":  NewLock(db, "changelog_lock", -time.Second, nil),
		"nil database":  NewLock(nil, "changelog_lock", time.Minute, nil),
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, l.Enabled())
			held, err := l.Exists(ctx)
			require.NoError(t, err)
			assert.False(t, held)
			require.NoError(t, l.Acquire(ctx))
			require.NoError(t, l.Acquire(ctx))
			require.NoError(t, l.Release(ctx))
		})
	}

	names, err := db.ListCollectionNames(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "changelog_lock")
}

func TestLock_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := memory.New().Database("app")
	l := NewLock(db, "changelog_lock", time.Minute, nil)
	require.True(t, l.Enabled())
	assert.NotEmpty(t, l.Owner())

	held, err := l.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, l.Acquire(ctx))
	held, err = l.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	doc, err := db.Collection("changelog_lock").FindOne(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, l.Owner(), doc["owner"])
	_, ok := docstore.Time(doc["createdAt"])
	assert.True(t, ok)

	assert.ErrorIs(t, l.Acquire(ctx), ErrLockHeld)
	other := NewLock(db, "changelog_lock", time.Minute, nil)
	assert.ErrorIs(t, other.Acquire(ctx), ErrLockHeld)

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
	held, err = l.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, other.Acquire(ctx))
}

func TestLock_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	db := memory.New().Database("app")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = NewLock(db, "changelog_lock", time.Minute, nil).Acquire(ctx)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrLockHeld)
	}
	assert.Equal(t, 1, won)
}

func TestLock_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := testStart
	clock := func() time.Time { return now }
	db := memory.New(memory.WithClock(clock)).Database("app")
	l := NewLock(db, "changelog_lock", 30*time.Second, clock)

	require.NoError(t, l.Acquire(ctx))
	now = now.Add(29 * time.Second)
	held, err := l.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	now = now.Add(2 * time.Second)
	held, err = l.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, held, "a crashed holder's lease lapses")
}

func TestLock_TTLChangeRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	now := testStart
	clock := func() time.Time { return now }
	db := memory.New(memory.WithClock(clock)).Database("app")

	short := NewLock(db, "changelog_lock", 30*time.Second, clock)
	require.NoError(t, short.Acquire(ctx))
	require.NoError(t, short.Release(ctx))

	long := NewLock(db, "changelog_lock", time.Minute, clock)
	held, err := long.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, held)
	require.NoError(t, long.Acquire(ctx))

	now = now.Add(45 * time.Second)
	held, err = long.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, held, "lease follows the new ttl")

	now = now.Add(20 * time.Second)
	held, err = long.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}
