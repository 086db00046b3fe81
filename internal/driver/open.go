// Package driver opens a docstore backend chosen by URL scheme.
package driver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"docmigrate/internal/config"
	"docmigrate/internal/driver/memory"
	"docmigrate/internal/driver/mongo"
	"docmigrate/internal/driver/postgres"
	"docmigrate/pkg/docstore"
)

// Option adjusts Open.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for the TTL expiry done by the memory and
// postgres backends. MongoDB expires documents server-side and ignores it.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Open connects to the store described by sc.
func Open(ctx context.Context, sc config.StoreConfig, opts ...Option) (docstore.Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	u, err := url.Parse(sc.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: store url: %v", config.ErrInvalid, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mongodb", "mongodb+srv":
		c, err := mongo.Connect(ctx, sc.URL, sc.Options)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "postgres", "postgresql":
		db, err := postgres.Connect(ctx, sc.URL, sc.Options)
		if err != nil {
			return nil, err
		}
		db.SetClock(o.now)
		return db, nil
	case "memory":
		var mopts []memory.Option
		if o.now != nil {
			mopts = append(mopts, memory.WithClock(o.now))
		}
		return memory.Open(u.Host+u.Path, mopts...), nil
	}
	return nil, fmt.Errorf("%w: unsupported store scheme %q", config.ErrInvalid, u.Scheme)
}
