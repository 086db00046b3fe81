package migrator

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is returned when the migrations directory or a file cannot be read.
	ErrIO = errors.New("migration source unreadable")

	// ErrStore is returned for failed reads or writes on the bookkeeping collections.
	ErrStore = errors.New("store operation failed")

	// ErrLockHeld is returned when another process holds the migration lock.
	ErrLockHeld = errors.New("could not create a lock: another migration is in progress")

	// ErrLockCreate is returned when the lock record cannot be written.
	ErrLockCreate = errors.New("could not create a lock")

	// ErrLockRelease is returned when the lock records cannot be removed.
	ErrLockRelease = errors.New("could not release the lock")

	// ErrNoProcedure is returned when a migration lacks the requested procedure.
	ErrNoProcedure = errors.New("migration has no procedure for this direction")
)

// MigrationError reports a migration body that failed. Completed lists the
// identifiers processed successfully earlier in the same run.
type MigrationError struct {
	ID        string
	Direction Direction
	Completed []string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("could not migrate %s %s: %v", e.Direction, e.ID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// ChangelogError reports a migration that ran but whose changelog entry
// could not be written or removed. The store and the changelog disagree
// about ID until an operator intervenes.
type ChangelogError struct {
	ID        string
	Direction Direction
	Completed []string
	Err       error
}

func (e *ChangelogError) Error() string {
	verb := "record"
	if e.Direction == Down {
		verb = "remove"
	}
	return fmt.Sprintf("could not %s changelog entry for %s: %v", verb, e.ID, e.Err)
}

func (e *ChangelogError) Unwrap() error { return e.Err }

// Completed extracts the partial-progress list from a run error.
func Completed(err error) []string {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Completed
	}
	var ce *ChangelogError
	if errors.As(err, &ce) {
		return ce.Completed
	}
	return nil
}
