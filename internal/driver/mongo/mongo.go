// Package mongo implements docstore on top of the official MongoDB driver.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docmigrate/pkg/docstore"
)

// Client wraps a *mongo.Client.
type Client struct {
	client *mongo.Client
}

// Connect dials the server at uri. Recognised options: app_name,
// max_pool_size, connect_timeout_ms, server_selection_timeout_ms.
func Connect(ctx context.Context, uri string, opts map[string]any) (*Client, error) {
	co := options.Client().ApplyURI(uri)
	if v, ok := opts["app_name"]; ok {
		co.SetAppName(cast.ToString(v))
	}
	if v, ok := opts["max_pool_size"]; ok {
		co.SetMaxPoolSize(cast.ToUint64(v))
	}
	if v, ok := opts["connect_timeout_ms"]; ok {
		co.SetConnectTimeout(time.Duration(cast.ToInt64(v)) * time.Millisecond)
	}
	if v, ok := opts["server_selection_timeout_ms"]; ok {
		co.SetServerSelectionTimeout(time.Duration(cast.ToInt64(v)) * time.Millisecond)
	}
	client, err := mongo.Connect(ctx, co)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &Client{client: client}, nil
}

// Wrap adapts an already connected driver client.
func Wrap(client *mongo.Client) *Client { return &Client{client: client} }

// Raw exposes the underlying driver client.
func (c *Client) Raw() *mongo.Client { return c.client }

func (c *Client) Database(name string) docstore.Database {
	return &Database{db: c.client.Database(name)}
}

func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := c.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (c *Client) Ping(ctx context.Context) error { return c.client.Ping(ctx, nil) }

func (c *Client) Close(ctx context.Context) error { return c.client.Disconnect(ctx) }

// Database wraps a *mongo.Database.
type Database struct {
	db *mongo.Database
}

func (d *Database) Name() string { return d.db.Name() }

func (d *Database) Collection(name string) docstore.Collection {
	return &Collection{coll: d.db.Collection(name)}
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	return d.db.ListCollectionNames(ctx, bson.D{})
}

// Collection wraps a *mongo.Collection.
type Collection struct {
	coll *mongo.Collection
}

func (c *Collection) Name() string { return c.coll.Name() }

func (c *Collection) InsertOne(ctx context.Context, doc docstore.Document) error {
	_, err := c.coll.InsertOne(ctx, bson.M(doc))
	return mapErr(err)
}

func (c *Collection) InsertMany(ctx context.Context, docs []docstore.Document) error {
	if len(docs) == 0 {
		return nil
	}
	in := make([]any, len(docs))
	for i, d := range docs {
		in[i] = bson.M(d)
	}
	_, err := c.coll.InsertMany(ctx, in)
	return mapErr(err)
}

func (c *Collection) Find(ctx context.Context, filter docstore.Filter) ([]docstore.Document, error) {
	cur, err := c.coll.Find(ctx, toBSON(filter))
	if err != nil {
		return nil, err
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, err
	}
	out := make([]docstore.Document, len(raw))
	for i, m := range raw {
		out[i] = fromBSON(m)
	}
	return out, nil
}

func (c *Collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	var m bson.M
	err := c.coll.FindOne(ctx, toBSON(filter)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromBSON(m), nil
}

func (c *Collection) CountDocuments(ctx context.Context, filter docstore.Filter) (int64, error) {
	return c.coll.CountDocuments(ctx, toBSON(filter))
}

func (c *Collection) UpdateMany(ctx context.Context, filter docstore.Filter, set docstore.Document) (int64, error) {
	res, err := c.coll.UpdateMany(ctx, toBSON(filter), bson.M{"$set": bson.M(set)})
	if err != nil {
		return 0, mapErr(err)
	}
	return res.MatchedCount, nil
}

func (c *Collection) DeleteOne(ctx context.Context, filter docstore.Filter) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, toBSON(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *Collection) CreateIndex(ctx context.Context, spec docstore.IndexSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	keys := bson.D{}
	for _, k := range spec.Keys {
		dir := 1
		if k.Descending {
			dir = -1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}
	opts := options.Index().SetName(spec.IndexName())
	if spec.Unique {
		opts.SetUnique(true)
	}
	if spec.ExpireAfter > 0 {
		opts.SetExpireAfterSeconds(int32(spec.ExpireAfter / time.Second))
	}
	name, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts})
	return name, mapErr(err)
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	_, err := c.coll.Indexes().DropOne(ctx, name)
	var ce mongo.CommandError
	if errors.As(err, &ce) && (ce.Code == codeNamespaceNotFound || ce.Code == codeIndexNotFound) {
		return nil
	}
	return err
}

func (c *Collection) Drop(ctx context.Context) error { return c.coll.Drop(ctx) }

// Server error codes.
const (
	codeNamespaceNotFound     = 26
	codeIndexNotFound         = 27
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", docstore.ErrDuplicateKey, err)
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && (ce.Code == codeIndexOptionsConflict || ce.Code == codeIndexKeySpecsConflict) {
		return fmt.Errorf("%w: %v", docstore.ErrIndexConflict, err)
	}
	return err
}

func toBSON(f docstore.Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	return bson.M(f)
}

// fromBSON decodes dates as time.Time and nested documents as plain maps.
func fromBSON(m bson.M) docstore.Document {
	out := make(docstore.Document, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case bson.M:
		return map[string]any(fromBSON(t))
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	}
	return v
}
