package migrator

import (
	"context"
	"fmt"

	"docmigrate/pkg/docstore"
)

// Changelog field names.
const (
	fieldFileName       = "fileName"
	fieldAppliedAt      = "appliedAt"
	fieldMigrationBlock = "migrationBlock"
	fieldFileHash       = "fileHash"
)

// Changelog is the persisted set of applied-migration records.
type Changelog struct {
	coll docstore.Collection
}

// NewChangelog returns the changelog stored in the named collection.
func NewChangelog(db docstore.Database, collection string) *Changelog {
	return &Changelog{coll: db.Collection(collection)}
}

// All returns every record in natural storage order.
func (c *Changelog) All(ctx context.Context) ([]Record, error) {
	docs, err := c.coll.Find(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: read changelog: %v", ErrStore, err)
	}
	out := make([]Record, 0, len(docs))
	for _, d := range docs {
		r, err := decodeRecord(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Find returns the first record for id.
func (c *Changelog) Find(ctx context.Context, id string) (Record, bool, error) {
	d, err := c.coll.FindOne(ctx, docstore.Filter{fieldFileName: id})
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: read changelog: %v", ErrStore, err)
	}
	if d == nil {
		return Record{}, false, nil
	}
	r, err := decodeRecord(d)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return r, true, nil
}

// Insert records an applied migration.
func (c *Changelog) Insert(ctx context.Context, r Record) error {
	doc := docstore.Document{
		fieldFileName:  r.ID,
		fieldAppliedAt: r.AppliedAt.UTC(),
	}
	if r.HasBlock {
		doc[fieldMigrationBlock] = r.MigrationBlock
	}
	if r.FileHash != "" {
		doc[fieldFileHash] = r.FileHash
	}
	if err := c.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%w: insert changelog entry: %v", ErrStore, err)
	}
	return nil
}

// Delete removes the record for id.
func (c *Changelog) Delete(ctx context.Context, id string) error {
	if _, err := c.coll.DeleteOne(ctx, docstore.Filter{fieldFileName: id}); err != nil {
		return fmt.Errorf("%w: delete changelog entry: %v", ErrStore, err)
	}
	return nil
}

func decodeRecord(d docstore.Document) (Record, error) {
	id, ok := docstore.String(d[fieldFileName])
	if !ok {
		return Record{}, fmt.Errorf("changelog entry without %s: %v", fieldFileName, d)
	}
	r := Record{ID: id}
	if at, ok := docstore.Time(d[fieldAppliedAt]); ok {
		r.AppliedAt = at.UTC()
	}
	if b, ok := docstore.Int64(d[fieldMigrationBlock]); ok {
		r.MigrationBlock = b
		r.HasBlock = true
	}
	if h, ok := docstore.String(d[fieldFileHash]); ok {
		r.FileHash = h
	}
	return r, nil
}
