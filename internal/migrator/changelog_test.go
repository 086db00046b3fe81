package migrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docmigrate/internal/driver/memory"
	"docmigrate/pkg/docstore"
)

func TestChangelog_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := memory.New().Database("app")
	cl := NewChangelog(db, "changelog")

	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, cl.Insert(ctx, Record{ID: "a.go", AppliedAt: at, MigrationBlock: 42, HasBlock: true, FileHash: "ff"}))
	require.NoError(t, cl.Insert(ctx, Record{ID: "b.go", AppliedAt: at}))

	doc, err := db.Collection("changelog").FindOne(ctx, docstore.Filter{"fileName": "b.go"})
	require.NoError(t, err)
	assert.NotContains(t, doc, "migrationBlock")
	assert.NotContains(t, doc, "fileHash")

	rec, ok, err := cl.Find(ctx, "a.go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{ID: "a.go", AppliedAt: at, MigrationBlock: 42, HasBlock: true, FileHash: "ff"}, rec)

	_, ok, err = cl.Find(ctx, "missing.go")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cl.Delete(ctx, "a.go"))
	require.NoError(t, cl.Delete(ctx, "a.go"))
	all, err := cl.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b.go", all[0].ID)
	assert.False(t, all[0].HasBlock)
}

func TestChangelog_DeleteRemovesOneRecord(t *testing.T) {
	ctx := context.Background()
	cl := NewChangelog(memory.New().Database("app"), "changelog")
	require.NoError(t, cl.Insert(ctx, Record{ID: "a.go", AppliedAt: testStart}))
	require.NoError(t, cl.Insert(ctx, Record{ID: "a.go", AppliedAt: testStart}))

	require.NoError(t, cl.Delete(ctx, "a.go"))
	all, err := cl.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDecodeRecord_Representations(t *testing.T) {
	tests := []struct {
		name string
		doc  docstore.Document
		want Record
	}{
		{
			name: "string time and json number",
			doc: docstore.Document{
				"fileName":       "a.go",
				"appliedAt":      "2024-03-04T05:06:07.123Z",
				"migrationBlock": json.Number("1709528767123"),
			},
			want: Record{ID: "a.go", AppliedAt: time.Date(2024, 3, 4, 5, 6, 7, 123_000_000, time.UTC), MigrationBlock: 1709528767123, HasBlock: true},
		},
		{
			name: "float block",
			doc:  docstore.Document{"fileName": "b.go", "migrationBlock": float64(12)},
			want: Record{ID: "b.go", MigrationBlock: 12, HasBlock: true},
		},
		{
			name: "int32 block",
			doc:  docstore.Document{"fileName": "c.go", "migrationBlock": int32(3)},
			want: Record{ID: "c.go", MigrationBlock: 3, HasBlock: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRecord(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := decodeRecord(docstore.Document{"appliedAt": "x"})
	assert.Error(t, err)
}

func TestChangelog_StoreErrors(t *testing.T) {
	ctx := context.Background()
	db := &faultyDB{Database: memory.New().Database("app"), failInsert: map[string]bool{"changelog": true}, failDelete: map[string]bool{"changelog": true}}
	cl := NewChangelog(db, "changelog")
	assert.ErrorIs(t, cl.Insert(ctx, Record{ID: "a.go"}), ErrStore)
	assert.ErrorIs(t, cl.Delete(ctx, "a.go"), ErrStore)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := cl.All(canceled)
	assert.ErrorIs(t, err, ErrStore)
}
