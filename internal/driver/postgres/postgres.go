// Package postgres stores docstore collections as JSONB tables. Each
// database maps to a schema and each collection to a table in it.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cast"

	"docmigrate/pkg/docstore"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// txState is the open transaction plus the table and TTL bookkeeping made
// inside it, which only reaches the DB once the transaction commits.
type txState struct {
	tx      pgx.Tx
	ensured map[string]bool
	ttl     map[string]*ttlRule
}

// DB is a docstore.Client backed by a pgx pool.
type DB struct {
	Pool *pgxpool.Pool

	mu      sync.Mutex
	ensured map[string]bool
	ttl     map[string]ttlRule
	now     func() time.Time
}

type ttlRule struct {
	index string
	field string
	after time.Duration
}

// Connect opens a pool for dsn. Recognised options: max_conns.
func Connect(ctx context.Context, dsn string, opts map[string]any) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if v, ok := opts["max_conns"]; ok {
		cfg.MaxConns = cast.ToInt32(v)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newDB(pool), nil
}

func newDB(pool *pgxpool.Pool) *DB {
	return &DB{Pool: pool, ensured: map[string]bool{}, ttl: map[string]ttlRule{}, now: time.Now}
}

// SetClock replaces time.Now for TTL expiry.
func (d *DB) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

func (d *DB) Database(name string) docstore.Database {
	return &Database{db: d, name: name}
}

// WithTransaction runs fn in a single transaction. Collections resolve the
// transaction from the context handed to fn.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	st := &txState{tx: tx, ensured: map[string]bool{}, ttl: map[string]*ttlRule{}}
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	d.apply(st)
	return nil
}

func txFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

// apply publishes the bookkeeping of a committed transaction.
func (d *DB) apply(st *txState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range st.ensured {
		if v {
			d.ensured[k] = true
		} else {
			delete(d.ensured, k)
		}
	}
	for k, r := range st.ttl {
		if r != nil {
			d.ttl[k] = *r
		} else {
			delete(d.ttl, k)
		}
	}
}

func (d *DB) isEnsured(ctx context.Context, key string) bool {
	if st := txFrom(ctx); st != nil {
		if v, ok := st.ensured[key]; ok {
			return v
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensured[key]
}

func (d *DB) setEnsured(ctx context.Context, key string, v bool) {
	if st := txFrom(ctx); st != nil {
		st.ensured[key] = v
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if v {
		d.ensured[key] = true
	} else {
		delete(d.ensured, key)
	}
}

func (d *DB) ttlFor(ctx context.Context, key string) (ttlRule, bool) {
	if st := txFrom(ctx); st != nil {
		if r, ok := st.ttl[key]; ok {
			if r == nil {
				return ttlRule{}, false
			}
			return *r, true
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.ttl[key]
	return r, ok
}

// setTTL records rule for key; nil removes it.
func (d *DB) setTTL(ctx context.Context, key string, rule *ttlRule) {
	if st := txFrom(ctx); st != nil {
		st.ttl[key] = rule
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rule != nil {
		d.ttl[key] = *rule
	} else {
		delete(d.ttl, key)
	}
}

func (d *DB) Ping(ctx context.Context) error { return d.Pool.Ping(ctx) }

func (d *DB) Close(context.Context) error {
	d.Pool.Close()
	return nil
}

func (d *DB) querier(ctx context.Context) querier {
	if st := txFrom(ctx); st != nil {
		return st.tx
	}
	return d.Pool
}

// Database is a postgres schema.
type Database struct {
	db   *DB
	name string
}

func (d *Database) Name() string { return d.name }

func (d *Database) Collection(name string) docstore.Collection {
	return &Collection{db: d.db, schema: d.name, name: name}
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	rows, err := d.db.querier(ctx).Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name`, d.name)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Collection is a JSONB table.
type Collection struct {
	db     *DB
	schema string
	name   string
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) table() string {
	return pgx.Identifier{c.schema, c.name}.Sanitize()
}

func (c *Collection) key() string { return c.schema + "." + c.name }

func (c *Collection) ensureTable(ctx context.Context) error {
	if c.db.isEnsured(ctx, c.key()) {
		return nil
	}
	sql := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
    id          BIGSERIAL PRIMARY KEY,
    doc         JSONB NOT NULL,
    inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, pgx.Identifier{c.schema}.Sanitize(), c.table())
	if _, err := c.db.querier(ctx).Exec(ctx, sql); err != nil {
		return err
	}
	c.db.setEnsured(ctx, c.key(), true)
	return nil
}

// prepare creates the table on first use and purges TTL-expired documents.
func (c *Collection) prepare(ctx context.Context) (querier, error) {
	if err := c.ensureTable(ctx); err != nil {
		return nil, err
	}
	q := c.db.querier(ctx)
	if rule, ok := c.db.ttlFor(ctx, c.key()); ok {
		sql := fmt.Sprintf(`DELETE FROM %s WHERE (doc->>'%s')::timestamptz <= $1`, c.table(), escapeField(rule.field))
		if _, err := q.Exec(ctx, sql, c.db.now().Add(-rule.after)); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (c *Collection) InsertOne(ctx context.Context, doc docstore.Document) error {
	q, err := c.prepare(ctx)
	if err != nil {
		return err
	}
	return c.insert(ctx, q, doc)
}

func (c *Collection) InsertMany(ctx context.Context, docs []docstore.Document) error {
	q, err := c.prepare(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := c.insert(ctx, q, d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) insert(ctx context.Context, q querier, doc docstore.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = q.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1::jsonb)`, c.table()), string(b))
	return mapErr(err)
}

func (c *Collection) Find(ctx context.Context, filter docstore.Filter) ([]docstore.Document, error) {
	q, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}
	f, err := encodeFilter(filter)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE doc @> $1::jsonb ORDER BY id`, c.table()), f)
	if err != nil {
		return nil, err
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]docstore.Document, 0, len(raw))
	for _, b := range raw {
		d, err := decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	q, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}
	f, err := encodeFilter(filter)
	if err != nil {
		return nil, err
	}
	var b []byte
	err = q.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE doc @> $1::jsonb ORDER BY id LIMIT 1`, c.table()), f).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(b)
}

func (c *Collection) CountDocuments(ctx context.Context, filter docstore.Filter) (int64, error) {
	q, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}
	f, err := encodeFilter(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	err = q.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE doc @> $1::jsonb`, c.table()), f).Scan(&n)
	return n, err
}

func (c *Collection) UpdateMany(ctx context.Context, filter docstore.Filter, set docstore.Document) (int64, error) {
	q, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}
	f, err := encodeFilter(filter)
	if err != nil {
		return 0, err
	}
	s, err := json.Marshal(set)
	if err != nil {
		return 0, fmt.Errorf("encode update: %w", err)
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc = doc || $2::jsonb WHERE doc @> $1::jsonb`, c.table()), f, string(s))
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

func (c *Collection) DeleteOne(ctx context.Context, filter docstore.Filter) (int64, error) {
	q, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}
	f, err := encodeFilter(filter)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %[1]s WHERE id IN (SELECT id FROM %[1]s WHERE doc @> $1::jsonb ORDER BY id LIMIT 1)`, c.table()), f)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter docstore.Filter) (int64, error) {
	q, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}
	f, err := encodeFilter(filter)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc @> $1::jsonb`, c.table()), f)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateIndex builds an expression index over the JSONB fields. TTL specs
// are enforced by purging before each operation on this client.
func (c *Collection) CreateIndex(ctx context.Context, spec docstore.IndexSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if err := c.ensureTable(ctx); err != nil {
		return "", err
	}
	name := spec.IndexName()
	exprs := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		e := fmt.Sprintf("(doc->>'%s')", escapeField(k.Field))
		if k.Descending {
			e += " DESC"
		}
		exprs = append(exprs, e)
	}
	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	sql := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`,
		unique, pgx.Identifier{c.name + "_" + name}.Sanitize(), c.table(), strings.Join(exprs, ", "))
	if _, err := c.db.querier(ctx).Exec(ctx, sql); err != nil {
		return "", mapErr(err)
	}
	if spec.ExpireAfter > 0 {
		c.db.setTTL(ctx, c.key(), &ttlRule{index: name, field: spec.Keys[0].Field, after: spec.ExpireAfter})
	}
	return name, nil
}

// DropIndex removes the named index. A missing index is not an error.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	sql := fmt.Sprintf(`DROP INDEX IF EXISTS %s`, pgx.Identifier{c.schema, c.name + "_" + name}.Sanitize())
	if _, err := c.db.querier(ctx).Exec(ctx, sql); err != nil {
		return err
	}
	if rule, ok := c.db.ttlFor(ctx, c.key()); ok && rule.index == name {
		c.db.setTTL(ctx, c.key(), nil)
	}
	return nil
}

func (c *Collection) Drop(ctx context.Context) error {
	if _, err := c.db.querier(ctx).Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, c.table())); err != nil {
		return err
	}
	c.db.setEnsured(ctx, c.key(), false)
	c.db.setTTL(ctx, c.key(), nil)
	return nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", docstore.ErrDuplicateKey, pgErr.Message)
	}
	return err
}

func encodeFilter(f docstore.Filter) (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode filter: %w", err)
	}
	return string(b), nil
}

func decode(b []byte) (docstore.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc docstore.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	for k, v := range doc {
		doc[k] = number(v)
	}
	return doc, nil
}

// number turns json.Number into int64 when integral, float64 otherwise.
func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}
	return n.String()
}

func escapeField(f string) string { return strings.ReplaceAll(f, "'", "''") }
