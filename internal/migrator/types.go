package migrator

import (
	"context"
	"time"

	"docmigrate/pkg/docstore"
)

// Direction represents the direction of a migration (Up or Down).
type Direction int

const (
	// Up represents a forward migration.
	Up Direction = iota
	// Down represents a rollback migration.
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Pending is the AppliedAt value of a migration with no changelog record.
const Pending = "PENDING"

// MigrateFunc is the normalized form of a migration's up or down procedure.
type MigrateFunc func(ctx context.Context, db docstore.Database, client docstore.Client) error

// Convention tags how a loaded procedure is called.
type Convention int

const (
	// Direct procedures return their result.
	Direct Convention = iota
	// Callback procedures report completion through a trailing callback.
	Callback
)

func (c Convention) String() string {
	if c == Callback {
		return "callback"
	}
	return "direct"
}

// Body is a loaded migration.
type Body struct {
	ID             string
	Up             MigrateFunc
	Down           MigrateFunc
	UpConvention   Convention
	DownConvention Convention
}

// Func returns the procedure for d, or nil when the body lacks it.
func (b *Body) Func(d Direction) MigrateFunc {
	if d == Down {
		return b.Down
	}
	return b.Up
}

// Record is one applied migration in the changelog.
type Record struct {
	ID             string
	AppliedAt      time.Time
	MigrationBlock int64
	HasBlock       bool
	FileHash       string
}

// StatusItem is the computed applied/pending view of one migration.
type StatusItem struct {
	ID string
	// AppliedAt is an RFC 3339 UTC time, or Pending.
	AppliedAt      string
	MigrationBlock *int64
	// FileHash is the current fingerprint, set when hashing is enabled.
	FileHash string
	// RecordedHash is the fingerprint stored when the migration was applied.
	RecordedHash string
}

// IsPending reports whether the migration has no changelog record.
func (s StatusItem) IsPending() bool { return s.AppliedAt == Pending }

// Drifted reports whether the file changed since it was applied.
func (s StatusItem) Drifted() bool {
	return !s.IsPending() && s.FileHash != "" && s.RecordedHash != "" && s.FileHash != s.RecordedHash
}
