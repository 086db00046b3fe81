// Package migrator provides the public API for running migrations.
package migrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	icfg "docmigrate/internal/config"
	"docmigrate/internal/driver"
	"docmigrate/internal/logging"
	im "docmigrate/internal/migrator"
	"docmigrate/pkg/docstore"
)

// Re-exported core types.
type (
	StatusItem     = im.StatusItem
	MigrateFunc    = im.MigrateFunc
	MigrationError = im.MigrationError
	ChangelogError = im.ChangelogError
)

// Re-exported sentinel errors.
var (
	ErrIO          = im.ErrIO
	ErrStore       = im.ErrStore
	ErrLockHeld    = im.ErrLockHeld
	ErrLockCreate  = im.ErrLockCreate
	ErrLockRelease = im.ErrLockRelease
	ErrInvalid     = icfg.ErrInvalid
)

// Completed returns the identifiers processed before a run failed.
func Completed(err error) []string { return im.Completed(err) }

// Migrator is an open connection plus the runner configured for it.
type Migrator struct {
	cfg    icfg.Config
	client docstore.Client
	db     docstore.Database
	runner *im.Runner
	logger *zap.Logger
}

// Option adjusts Open.
type Option func(*openOptions)

type openOptions struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *zap.Logger) Option { return func(o *openOptions) { o.logger = l } }

// WithClock replaces time.Now in the runner and in the TTL expiry of the
// memory and postgres stores. MongoDB expires lock leases on its own clock.
func WithClock(now func() time.Time) Option { return func(o *openOptions) { o.now = now } }

// Open connects to the configured store and prepares a runner over the
// configured migration source.
func Open(ctx context.Context, c icfg.Config, opts ...Option) (*Migrator, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l, err := logging.New(c.LogLevel, c.LogFormat)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", icfg.ErrInvalid, err)
		}
		o.logger = l
	}

	source, err := sourceFor(c)
	if err != nil {
		return nil, err
	}
	var dopts []driver.Option
	if o.now != nil {
		dopts = append(dopts, driver.WithClock(o.now))
	}
	client, err := driver.Open(ctx, c.Store, dopts...)
	if err != nil {
		return nil, err
	}
	db := client.Database(c.Store.DatabaseName)

	ropts := []im.Option{
		im.WithLogger(o.logger.Named("migrator")),
		im.WithChangelog(c.ChangelogCollection),
		im.WithFileHash(c.UseFileHash),
	}
	if c.LockingEnabled() {
		ropts = append(ropts, im.WithLock(c.LockCollection, time.Duration(c.LockTTLSeconds)*time.Second))
	}
	if o.now != nil {
		ropts = append(ropts, im.WithClock(o.now))
	}

	return &Migrator{
		cfg:    c,
		client: client,
		db:     db,
		runner: im.NewRunner(client, db, source, ropts...),
		logger: o.logger,
	}, nil
}

func sourceFor(c icfg.Config) (im.Source, error) {
	switch c.Kind {
	case icfg.KindScript, "":
		return im.NewDirSource(c.MigrationsDir, c.FileExtension), nil
	case icfg.KindGo:
		return goReg, nil
	}
	return nil, fmt.Errorf("%w: unknown kind: %s", icfg.ErrInvalid, c.Kind)
}

// Close disconnects from the store.
func (m *Migrator) Close(ctx context.Context) error {
	_ = m.logger.Sync()
	return m.client.Close(ctx)
}

// Database returns the handle migrations run against.
func (m *Migrator) Database() docstore.Database { return m.db }

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) ([]string, error) { return m.runner.Up(ctx) }

// Down reverts the last migration, or the last block with block set.
func (m *Migrator) Down(ctx context.Context, block bool) ([]string, error) {
	return m.runner.Down(ctx, block)
}

// Redo reverts the last migration and re-applies pending ones.
func (m *Migrator) Redo(ctx context.Context) (reverted, applied []string, err error) {
	return m.runner.Redo(ctx)
}

// Status reports every available migration as applied or pending.
func (m *Migrator) Status(ctx context.Context) ([]StatusItem, error) { return m.runner.Status(ctx) }

// Current returns the last applied identifier, or "".
func (m *Migrator) Current(ctx context.Context) (string, error) { return m.runner.Current(ctx) }

func with[T any](ctx context.Context, c icfg.Config, fn func(*Migrator) (T, error)) (T, error) {
	var zero T
	m, err := Open(ctx, c)
	if err != nil {
		return zero, err
	}
	defer m.Close(ctx)
	return fn(m)
}

// RunUp applies all pending migrations according to the configuration.
func RunUp(ctx context.Context, c icfg.Config) ([]string, error) {
	return with(ctx, c, func(m *Migrator) ([]string, error) { return m.Up(ctx) })
}

// RunDown reverts the last applied migration, or its whole block.
func RunDown(ctx context.Context, c icfg.Config, block bool) ([]string, error) {
	return with(ctx, c, func(m *Migrator) ([]string, error) { return m.Down(ctx, block) })
}

// RunRedo rolls back and then reapplies the last migration.
func RunRedo(ctx context.Context, c icfg.Config) (reverted, applied []string, err error) {
	m, err := Open(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	defer m.Close(ctx)
	return m.Redo(ctx)
}

// Status returns the migration status for all migrations.
func Status(ctx context.Context, c icfg.Config) ([]StatusItem, error) {
	return with(ctx, c, func(m *Migrator) ([]StatusItem, error) { return m.Status(ctx) })
}

// DBVersion returns the last applied migration identifier, or "" when none
// is applied.
func DBVersion(ctx context.Context, c icfg.Config) (string, error) {
	return with(ctx, c, func(m *Migrator) (string, error) { return m.Current(ctx) })
}
