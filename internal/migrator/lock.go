package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docmigrate/pkg/docstore"
)

const (
	lockKey          = "migration-lock"
	fieldLockKey     = "key"
	fieldLockCreated = "createdAt"
	fieldLockOwner   = "owner"
)

// Lock is an advisory lease over the changelog, stored as a single record
// in a TTL-indexed collection. A zero TTL or empty collection name disables
// it and every operation becomes a no-op.
type Lock struct {
	coll  docstore.Collection
	ttl   time.Duration
	now   func() time.Time
	owner string
}

// NewLock returns the lock stored in collection. now may be nil.
func NewLock(db docstore.Database, collection string, ttl time.Duration, now func() time.Time) *Lock {
	if now == nil {
		now = time.Now
	}
	l := &Lock{ttl: ttl, now: now, owner: uuid.NewString()}
	if collection != "" && db != nil {
		l.coll = db.Collection(collection)
	}
	return l
}

// Enabled reports whether locking is configured.
func (l *Lock) Enabled() bool { return l.coll != nil && l.ttl > 0 }

// Owner identifies this process in lock records.
func (l *Lock) Owner() string { return l.owner }

// Exists reports whether any lock record is present. It also ensures the
// indexes that expire stale leases and make Acquire atomic.
func (l *Lock) Exists(ctx context.Context) (bool, error) {
	if !l.Enabled() {
		return false, nil
	}
	if err := l.ensureIndexes(ctx); err != nil {
		return false, err
	}
	n, err := l.coll.CountDocuments(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: check lock: %v", ErrStore, err)
	}
	return n > 0, nil
}

// Acquire inserts the lock record. A concurrent holder makes the insert
// collide on the unique key and yields ErrLockHeld.
func (l *Lock) Acquire(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	if err := l.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLockCreate, err)
	}
	err := l.coll.InsertOne(ctx, docstore.Document{
		fieldLockKey:     lockKey,
		fieldLockCreated: l.now().UTC(),
		fieldLockOwner:   l.owner,
	})
	if errors.Is(err, docstore.ErrDuplicateKey) {
		return ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockCreate, err)
	}
	return nil
}

// Release deletes every lock record. It is safe to call when no lock is held.
func (l *Lock) Release(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	if _, err := l.coll.DeleteMany(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrLockRelease, err)
	}
	return nil
}

// ensureIndexes creates the TTL and key indexes. A TTL index left behind
// with a different lifetime is dropped and rebuilt with the configured one.
func (l *Lock) ensureIndexes(ctx context.Context) error {
	ttlSpec := docstore.IndexSpec{
		Keys:        []docstore.IndexKey{{Field: fieldLockCreated}},
		ExpireAfter: l.ttl,
	}
	_, err := l.coll.CreateIndex(ctx, ttlSpec)
	if errors.Is(err, docstore.ErrIndexConflict) {
		if err = l.coll.DropIndex(ctx, ttlSpec.IndexName()); err == nil {
			_, err = l.coll.CreateIndex(ctx, ttlSpec)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: create lock ttl index: %v", ErrStore, err)
	}
	if _, err := l.coll.CreateIndex(ctx, docstore.IndexSpec{
		Keys:   []docstore.IndexKey{{Field: fieldLockKey}},
		Unique: true,
	}); err != nil {
		return fmt.Errorf("%w: create lock key index: %v", ErrStore, err)
	}
	return nil
}
