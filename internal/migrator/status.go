package migrator

import (
	"context"
	"sort"
	"time"
)

// isoFormat matches the millisecond ISO-8601 form used for appliedAt.
const isoFormat = "2006-01-02T15:04:05.000Z07:00"

// Reconciler joins the available migrations with the changelog.
type Reconciler struct {
	source      Source
	changelog   *Changelog
	useFileHash bool
}

// NewReconciler returns a reconciler. With useFileHash every item carries
// the current fingerprint of its source.
func NewReconciler(source Source, changelog *Changelog, useFileHash bool) *Reconciler {
	return &Reconciler{source: source, changelog: changelog, useFileHash: useFileHash}
}

// Status returns one item per available migration in ascending identifier
// order. When the changelog holds several records for an identifier the
// first in storage order wins.
func (r *Reconciler) Status(ctx context.Context) ([]StatusItem, error) {
	ids, err := r.source.List(ctx)
	if err != nil {
		return nil, err
	}
	ids = append([]string(nil), ids...)
	sort.Strings(ids)

	records, err := r.changelog.All(ctx)
	if err != nil {
		return nil, err
	}
	first := make(map[string]Record, len(records))
	for _, rec := range records {
		if _, seen := first[rec.ID]; !seen {
			first[rec.ID] = rec
		}
	}

	items := make([]StatusItem, 0, len(ids))
	for _, id := range ids {
		item := StatusItem{ID: id, AppliedAt: Pending}
		if rec, ok := first[id]; ok {
			item.AppliedAt = rec.AppliedAt.UTC().Format(isoFormat)
			if rec.HasBlock {
				block := rec.MigrationBlock
				item.MigrationBlock = &block
			}
			item.RecordedHash = rec.FileHash
		}
		if r.useFileHash {
			h, err := r.source.Hash(ctx, id)
			if err != nil {
				return nil, err
			}
			item.FileHash = h
		}
		items = append(items, item)
	}
	return items, nil
}

// ParseAppliedAt parses a non-pending AppliedAt value.
func ParseAppliedAt(s string) (time.Time, error) {
	return time.Parse(isoFormat, s)
}
