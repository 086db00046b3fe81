package mongo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"docmigrate/pkg/docstore"
)

func TestFromBSON_ConvertsDriverTypes(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	id := primitive.NewObjectID()
	doc := fromBSON(bson.M{
		"_id":       id,
		"appliedAt": primitive.NewDateTimeFromTime(at),
		"nested":    bson.D{{Key: "when", Value: primitive.NewDateTimeFromTime(at)}},
		"list":      bson.A{"a", int32(2)},
		"block":     int64(7),
	})

	assert.Equal(t, id, doc["_id"])
	assert.Equal(t, at, doc["appliedAt"])
	assert.Equal(t, map[string]any{"when": at}, doc["nested"])
	assert.Equal(t, []any{"a", int32(2)}, doc["list"])
	assert.Equal(t, int64(7), doc["block"])
}

func TestToBSON_NilFilterMatchesAll(t *testing.T) {
	assert.Equal(t, bson.M{}, toBSON(nil))
	assert.Equal(t, bson.M{"fileName": "a.go"}, toBSON(docstore.Filter{"fileName": "a.go"}))
}

func TestMapErr_PassesThroughOtherErrors(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	err := assert.AnError
	assert.Equal(t, err, mapErr(err))
}

func TestMapErr_IndexOptionsConflict(t *testing.T) {
	for _, code := range []int32{codeIndexOptionsConflict, codeIndexKeySpecsConflict} {
		err := mapErr(mongo.CommandError{Code: code, Name: "IndexOptionsConflict", Message: "existing index has different options"})
		assert.True(t, errors.Is(err, docstore.ErrIndexConflict), "code %d: %v", code, err)
	}
	err := mapErr(mongo.CommandError{Code: 2, Message: "bad value"})
	assert.False(t, errors.Is(err, docstore.ErrIndexConflict))
}
