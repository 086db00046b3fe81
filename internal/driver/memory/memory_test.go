package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docmigrate/pkg/docstore"
)

func TestCollection_CRUD(t *testing.T) {
	ctx := context.Background()
	coll := New().Database("app").Collection("albums")

	require.NoError(t, coll.InsertMany(ctx, []docstore.Document{
		{"title": "Abbey Road", "artist": "The Beatles", "year": int64(1969)},
		{"title": "Help!", "artist": "The Beatles", "year": int64(1965)},
		{"title": "Ok Computer", "artist": "Radiohead", "year": int64(1997)},
	}))

	n, err := coll.CountDocuments(ctx, docstore.Filter{"artist": "The Beatles"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// numbers compare by value
	doc, err := coll.FindOne(ctx, docstore.Filter{"year": 1997})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Ok Computer", doc["title"])

	missing, err := coll.FindOne(ctx, docstore.Filter{"artist": "Blur"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	updated, err := coll.UpdateMany(ctx, docstore.Filter{"artist": "The Beatles"}, docstore.Document{"blacklisted": true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	found, err := coll.Find(ctx, docstore.Filter{"blacklisted": true})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Abbey Road", found[0]["title"], "natural order is insertion order")

	deleted, err := coll.DeleteOne(ctx, docstore.Filter{"artist": "The Beatles"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	all, err := coll.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Help!", all[0]["title"])

	deleted, err = coll.DeleteMany(ctx, docstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestCollection_ReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	coll := New().Database("app").Collection("c")
	require.NoError(t, coll.InsertOne(ctx, docstore.Document{"a": 1}))

	doc, err := coll.FindOne(ctx, nil)
	require.NoError(t, err)
	doc["a"] = 2

	again, err := coll.FindOne(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, again["a"])
}

func TestCollection_UniqueIndex(t *testing.T) {
	ctx := context.Background()
	coll := New().Database("app").Collection("locks")

	_, err := coll.CreateIndex(ctx, docstore.IndexSpec{Keys: []docstore.IndexKey{{Field: "key"}}, Unique: true})
	require.NoError(t, err)

	require.NoError(t, coll.InsertOne(ctx, docstore.Document{"key": "lock"}))
	err = coll.InsertOne(ctx, docstore.Document{"key": "lock"})
	assert.True(t, errors.Is(err, docstore.ErrDuplicateKey), "got %v", err)

	// documents without the field do not collide
	require.NoError(t, coll.InsertOne(ctx, docstore.Document{"other": 1}))
	require.NoError(t, coll.InsertOne(ctx, docstore.Document{"other": 2}))
}

func TestCollection_TTLIndex(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	client := New(WithClock(func() time.Time { return now }))
	coll := client.Database("app").Collection("locks")

	name, err := coll.CreateIndex(ctx, docstore.IndexSpec{
		Keys:        []docstore.IndexKey{{Field: "createdAt"}},
		ExpireAfter: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "createdAt_1", name)

	require.NoError(t, coll.InsertOne(ctx, docstore.Document{"createdAt": now}))
	n, err := coll.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	now = now.Add(2 * time.Minute)
	n, err = coll.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCollection_IndexOptionsConflict(t *testing.T) {
	ctx := context.Background()
	coll := New().Database("app").Collection("locks")
	spec := docstore.IndexSpec{Keys: []docstore.IndexKey{{Field: "createdAt"}}, ExpireAfter: time.Minute}

	_, err := coll.CreateIndex(ctx, spec)
	require.NoError(t, err)
	_, err = coll.CreateIndex(ctx, spec)
	require.NoError(t, err, "same options are idempotent")

	spec.ExpireAfter = time.Hour
	_, err = coll.CreateIndex(ctx, spec)
	assert.True(t, errors.Is(err, docstore.ErrIndexConflict), "got %v", err)

	require.NoError(t, coll.DropIndex(ctx, "createdAt_1"))
	require.NoError(t, coll.DropIndex(ctx, "createdAt_1"), "missing index")
	_, err = coll.CreateIndex(ctx, spec)
	require.NoError(t, err)
}

func TestClient_WithTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	client := New()
	coll := client.Database("app").Collection("c")
	require.NoError(t, coll.InsertOne(ctx, docstore.Document{"n": 1}))

	boom := errors.New("boom")
	err := client.WithTransaction(ctx, func(ctx context.Context) error {
		if err := coll.InsertOne(ctx, docstore.Document{"n": 2}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := coll.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, client.WithTransaction(ctx, func(ctx context.Context) error {
		return coll.InsertOne(ctx, docstore.Document{"n": 3})
	}))
	n, err = coll.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOpen_SharesStateByName(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { Forget("shared-test") })

	a := Open("shared-test").Database("app")
	b := Open("shared-test").Database("app")
	require.NoError(t, a.Collection("c").InsertOne(ctx, docstore.Document{"x": 1}))

	n, err := b.Collection("c").CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	names, err := b.ListCollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, names)

	other := New().Database("app")
	n, err = other.Collection("c").CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
