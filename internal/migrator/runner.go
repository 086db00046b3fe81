package migrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"docmigrate/pkg/docstore"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now for applied-at times, migration blocks and
// lock records.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithFileHash records and reports source fingerprints.
func WithFileHash(enabled bool) Option {
	return func(r *Runner) {
		r.useFileHash = enabled
	}
}

// WithChangelog sets the changelog collection name.
func WithChangelog(collection string) Option {
	return func(r *Runner) {
		if collection != "" {
			r.changelogName = collection
		}
	}
}

// WithLock enables the advisory lock stored in collection. A non-positive
// ttl leaves locking disabled.
func WithLock(collection string, ttl time.Duration) Option {
	return func(r *Runner) {
		r.lockName = collection
		r.lockTTL = ttl
	}
}

// Runner applies and reverts migrations against one database.
type Runner struct {
	client docstore.Client
	db     docstore.Database
	source Source

	changelogName string
	lockName      string
	lockTTL       time.Duration
	useFileHash   bool
	logger        *zap.Logger
	now           func() time.Time

	changelog *Changelog
	lock      *Lock
	status    *Reconciler
}

// NewRunner returns a runner executing migrations from source against db.
// client is handed to migrations for session and transaction support.
func NewRunner(client docstore.Client, db docstore.Database, source Source, opts ...Option) *Runner {
	r := &Runner{
		client:        client,
		db:            db,
		source:        source,
		changelogName: "changelog",
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.changelog = NewChangelog(db, r.changelogName)
	r.lock = NewLock(db, r.lockName, r.lockTTL, r.now)
	r.status = NewReconciler(source, r.changelog, r.useFileHash)
	return r
}

// Changelog exposes the runner's changelog store.
func (r *Runner) Changelog() *Changelog { return r.changelog }

// Lock exposes the runner's lock manager.
func (r *Runner) Lock() *Lock { return r.lock }

// Status returns the applied/pending view of every available migration.
func (r *Runner) Status(ctx context.Context) ([]StatusItem, error) {
	return r.status.Status(ctx)
}

// Up applies every pending migration in ascending order and returns their
// identifiers. On failure the identifiers applied before it are returned
// alongside the error.
func (r *Runner) Up(ctx context.Context) ([]string, error) {
	items, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]StatusItem, 0, len(items))
	for _, it := range items {
		if it.IsPending() {
			pending = append(pending, it)
		}
	}
	block := r.now().UnixMilli()

	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	applied := []string{}
	for _, it := range pending {
		if err := r.execute(ctx, it.ID, Up, block); err != nil {
			r.releaseAfterFailure(ctx)
			return applied, &MigrationError{ID: it.ID, Direction: Up, Completed: clone(applied), Err: err}
		}
		rec := Record{
			ID:             it.ID,
			AppliedAt:      r.now(),
			MigrationBlock: block,
			HasBlock:       true,
			FileHash:       it.FileHash,
		}
		if err := r.changelog.Insert(ctx, rec); err != nil {
			r.releaseAfterFailure(ctx)
			return applied, &ChangelogError{ID: it.ID, Direction: Up, Completed: clone(applied), Err: err}
		}
		applied = append(applied, it.ID)
	}

	if err := r.lock.Release(ctx); err != nil {
		return applied, err
	}
	return applied, nil
}

// Down reverts the last applied migration, or with block set every
// migration applied in the same run as it, newest first. Nothing applied
// yields an empty result.
func (r *Runner) Down(ctx context.Context, block bool) ([]string, error) {
	items, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	applied := make([]StatusItem, 0, len(items))
	for _, it := range items {
		if !it.IsPending() {
			applied = append(applied, it)
		}
	}
	if len(applied) == 0 {
		r.logger.Info("nothing to revert")
		return []string{}, nil
	}

	last := applied[len(applied)-1]
	targets := []StatusItem{last}
	if block && last.MigrationBlock != nil {
		targets = targets[:0]
		for i := len(applied) - 1; i >= 0; i-- {
			if b := applied[i].MigrationBlock; b != nil && *b == *last.MigrationBlock {
				targets = append(targets, applied[i])
			}
		}
	}

	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	reverted := []string{}
	for _, it := range targets {
		var b int64
		if it.MigrationBlock != nil {
			b = *it.MigrationBlock
		}
		if err := r.execute(ctx, it.ID, Down, b); err != nil {
			r.releaseAfterFailure(ctx)
			return reverted, &MigrationError{ID: it.ID, Direction: Down, Completed: clone(reverted), Err: err}
		}
		if err := r.changelog.Delete(ctx, it.ID); err != nil {
			r.releaseAfterFailure(ctx)
			return reverted, &ChangelogError{ID: it.ID, Direction: Down, Completed: clone(reverted), Err: err}
		}
		reverted = append(reverted, it.ID)
	}

	if err := r.lock.Release(ctx); err != nil {
		return reverted, err
	}
	return reverted, nil
}

// Redo reverts the last applied migration and then applies everything
// pending.
func (r *Runner) Redo(ctx context.Context) (reverted, applied []string, err error) {
	reverted, err = r.Down(ctx, false)
	if err != nil {
		return reverted, nil, err
	}
	applied, err = r.Up(ctx)
	return reverted, applied, err
}

// Current returns the last applied identifier, or "" when none is applied.
func (r *Runner) Current(ctx context.Context) (string, error) {
	items, err := r.Status(ctx)
	if err != nil {
		return "", err
	}
	for i := len(items) - 1; i >= 0; i-- {
		if !items[i].IsPending() {
			return items[i].ID, nil
		}
	}
	return "", nil
}

func (r *Runner) acquire(ctx context.Context) error {
	held, err := r.lock.Exists(ctx)
	if err != nil {
		return err
	}
	if held {
		return ErrLockHeld
	}
	return r.lock.Acquire(ctx)
}

func (r *Runner) releaseAfterFailure(ctx context.Context) {
	if err := r.lock.Release(ctx); err != nil {
		r.logger.Error("release lock after failure", zap.Error(err))
	}
}

func (r *Runner) execute(ctx context.Context, id string, dir Direction, block int64) error {
	log := r.logger.With(zap.String("id", id), zap.Stringer("direction", dir), zap.Int64("block", block))
	body, err := r.source.Load(ctx, id)
	if err != nil {
		log.Error("load migration", zap.Error(err))
		return err
	}
	fn := body.Func(dir)
	if fn == nil {
		log.Error("migration has no procedure")
		return ErrNoProcedure
	}

	log.Info("migrating")
	started := time.Now()
	if err := fn(ctx, r.db, r.client); err != nil {
		log.Error("migration failed", zap.Duration("duration", time.Since(started)), zap.Error(err))
		return err
	}
	log.Info("migrated", zap.Duration("duration", time.Since(started)))
	return nil
}

func clone(ids []string) []string {
	return append([]string{}, ids...)
}
