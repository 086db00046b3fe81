package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"docmigrate/internal/config"
	"docmigrate/internal/driver/memory"
	"docmigrate/pkg/docstore"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		defer memory.Forget("open-test")
		c, err := Open(ctx, config.StoreConfig{URL: "memory://open-test"})
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Database("app").Collection("x").InsertOne(ctx, docstore.Document{"a": 1}); err != nil {
			t.Fatal(err)
		}
		// same name, same state
		again, _ := Open(ctx, config.StoreConfig{URL: "memory://open-test"})
		n, err := again.Database("app").Collection("x").CountDocuments(ctx, nil)
		if err != nil || n != 1 {
			t.Fatalf("expected shared state, got n=%d err=%v", n, err)
		}
	})

	t.Run("memory clock", func(t *testing.T) {
		defer memory.Forget("open-clock")
		now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		c, err := Open(ctx, config.StoreConfig{URL: "memory://open-clock"}, WithClock(func() time.Time { return now }))
		if err != nil {
			t.Fatal(err)
		}
		coll := c.Database("app").Collection("locks")
		if _, err := coll.CreateIndex(ctx, docstore.IndexSpec{Keys: []docstore.IndexKey{{Field: "createdAt"}}, ExpireAfter: time.Minute}); err != nil {
			t.Fatal(err)
		}
		if err := coll.InsertOne(ctx, docstore.Document{"createdAt": now}); err != nil {
			t.Fatal(err)
		}
		// wall clock is years past the lease; the injected one is not
		if n, err := coll.CountDocuments(ctx, nil); err != nil || n != 1 {
			t.Fatalf("expected live lease, got n=%d err=%v", n, err)
		}
		now = now.Add(2 * time.Minute)
		if n, err := coll.CountDocuments(ctx, nil); err != nil || n != 0 {
			t.Fatalf("expected expired lease, got n=%d err=%v", n, err)
		}
	})

	for name, url := range map[string]string{
		"unknown scheme": "redis://localhost:6379",
		"no scheme":      "localhost",
		"malformed":      "mongodb://[::1",
	} {
		t.Run(name, func(t *testing.T) {
			c, err := Open(ctx, config.StoreConfig{URL: url})
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if c != nil {
				t.Fatalf("expected nil client")
			}
		})
	}
}
