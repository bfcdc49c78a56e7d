// Package schema caches the column metadata of PostgreSQL tables and views.
// The cache reloads when a NOTIFY arrives on the reload channel, so DDL
// changes reach running endpoints without a restart:
//
//	NOTIFY pgtable, 'reload schema';
package schema

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	pg "github.com/edgeflare/pgtable/pkg/pgx"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	ReloadChannel = "pgtable"
	ReloadPayload = "reload schema"
)

type TableType string

const (
	TypeTable            TableType = "TABLE"
	TypeView             TableType = "VIEW"
	TypeMaterializedView TableType = "MATERIALIZED VIEW"
)

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Type        TableType    `json:"type"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedSchema string `json:"referenced_schema"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// HasColumn reports whether the table has a column named name.
func (t *Table) HasColumn(name string) bool {
	return slices.ContainsFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// Cache holds the tables of the configured schemas. Tables of the first
// schema are addressed by bare name, all others as "schema.name".
type Cache struct {
	pool    *pgxpool.Pool
	conn    *pgx.Conn
	schemas []string
	logger  *zap.Logger

	mu     sync.RWMutex
	tables map[table.EntityType]Table
	watch  chan map[table.EntityType]Table
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Cache)

// WithSchemas sets the schemas to load, "public" by default.
func WithSchemas(schemas ...string) Option {
	return func(c *Cache) {
		if len(schemas) > 0 {
			c.schemas = schemas
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func NewCache(pool *pgxpool.Pool, opts ...Option) *Cache {
	c := &Cache{
		pool:    pool,
		schemas: []string{"public"},
		logger:  zap.NewNop(),
		tables:  make(map[table.EntityType]Table),
		watch:   make(chan map[table.EntityType]Table, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads the schema once without listening for changes.
func (c *Cache) Load(ctx context.Context) error {
	return c.reload(ctx)
}

// Init loads the schema and starts listening for reload notifications on a
// dedicated connection until ctx is done or Close is called.
func (c *Cache) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.reload(ctx); err != nil {
		cancel()
		return fmt.Errorf("initial load: %w", err)
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("acquire listener: %w", err)
	}
	c.conn = conn.Hijack()

	if _, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{ReloadChannel}.Sanitize()); err != nil {
		cancel()
		c.conn.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	c.done = make(chan struct{})
	go c.handleUpdates(ctx)
	return nil
}

// Close stops listening and waits for the listener to release its
// connection. The pool stays open; it belongs to the caller.
func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// Watch delivers a snapshot after every reload. Snapshots nobody received
// are replaced by newer ones.
func (c *Cache) Watch() <-chan map[table.EntityType]Table {
	return c.watch
}

// handleUpdates owns c.conn until it returns.
func (c *Cache) handleUpdates(ctx context.Context) {
	defer close(c.done)
	defer c.conn.Close(context.Background())

	for {
		notification, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("schema listener failed", zap.Error(err))
			return
		}
		if notification.Payload != ReloadPayload {
			continue
		}
		if err := c.reload(ctx); err != nil {
			c.logger.Error("schema reload failed", zap.Error(err))
			continue
		}
		c.logger.Info("schema reloaded", zap.Int("tables", len(c.Snapshot())))
	}
}

func (c *Cache) reload(ctx context.Context) error {
	tables, err := loadAll(ctx, c.pool, c.schemas)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()

	snap := c.Snapshot()
	select {
	case c.watch <- snap:
	default:
		select {
		case <-c.watch:
		default:
		}
		c.watch <- snap
	}
	return nil
}

func (c *Cache) Snapshot() map[table.EntityType]Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.tables)
}

// Table returns the cached metadata of entity.
func (c *Cache) Table(entity table.EntityType) (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[entity]
	return t, ok
}

// Entities lists the cached entity types in lexical order.
func (c *Cache) Entities() []table.EntityType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.tables))
}

// Fields implements table.SchemaProvider.
func (c *Cache) Fields(_ context.Context, entity table.EntityType) (table.FieldSet, error) {
	t, ok := c.Table(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", table.ErrUnknownEntity, entity)
	}
	fs := make(table.FieldSet, len(t.Columns))
	for _, col := range t.Columns {
		fs[col.Name] = struct{}{}
	}
	return fs, nil
}

// PrimaryKey returns the single-column primary key of entity.
func (c *Cache) PrimaryKey(entity table.EntityType) (string, bool) {
	t, ok := c.Table(entity)
	if !ok || len(t.PrimaryKeys) != 1 {
		return "", false
	}
	return t.PrimaryKeys[0], true
}

// BindTargets derives relation -> entity mappings from single-column foreign
// keys named "<relation>_id".
func (c *Cache) BindTargets(entity table.EntityType) map[string]table.EntityType {
	t, ok := c.Table(entity)
	if !ok {
		return nil
	}
	targets := make(map[string]table.EntityType)
	for _, fk := range t.ForeignKeys {
		relation, ok := strings.CutSuffix(fk.Column, "_id")
		if !ok || relation == "" {
			continue
		}
		targets[relation] = c.entityName(fk.ReferencedSchema, fk.ReferencedTable)
	}
	return targets
}

// Qualified returns schema and table name of entity.
func (c *Cache) Qualified(entity table.EntityType) (schema, name string) {
	if s, n, ok := strings.Cut(string(entity), "."); ok {
		return s, n
	}
	return c.schemas[0], string(entity)
}

func (c *Cache) entityName(schema, name string) table.EntityType {
	if schema == c.schemas[0] {
		return table.EntityType(name)
	}
	return table.EntityType(schema + "." + name)
}

type columnRow struct {
	Schema   string
	Table    string
	Kind     string
	Column   string
	DataType string
	Nullable bool
}

type keyRow struct {
	Schema string
	Table  string
	Column string
}

type foreignKeyRow struct {
	Schema           string
	Table            string
	Column           string
	ReferencedSchema string
	ReferencedTable  string
	ReferencedColumn string
}

const columnsSQL = `
SELECT n.nspname, cl.relname, cl.relkind::text, a.attname,
	format_type(a.atttypid, a.atttypmod), NOT a.attnotnull
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_class cl ON cl.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = cl.relnamespace
WHERE cl.relkind IN ('r', 'p', 'v', 'm')
	AND a.attnum > 0 AND NOT a.attisdropped
	AND n.nspname = ANY($1)
ORDER BY n.nspname, cl.relname, a.attnum`

const primaryKeysSQL = `
SELECT n.nspname, cl.relname, a.attname
FROM pg_catalog.pg_index i
JOIN pg_catalog.pg_class cl ON cl.oid = i.indrelid
JOIN pg_catalog.pg_namespace n ON n.oid = cl.relnamespace
JOIN pg_catalog.pg_attribute a ON a.attrelid = cl.oid AND a.attnum = ANY(i.indkey)
WHERE i.indisprimary AND n.nspname = ANY($1)
ORDER BY n.nspname, cl.relname, array_position(i.indkey::int2[], a.attnum)`

const foreignKeysSQL = `
SELECT n.nspname, cl.relname, a.attname, rn.nspname, rcl.relname, ra.attname
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class cl ON cl.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = cl.relnamespace
JOIN pg_catalog.pg_class rcl ON rcl.oid = con.confrelid
JOIN pg_catalog.pg_namespace rn ON rn.oid = rcl.relnamespace
JOIN pg_catalog.pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = con.conkey[1]
JOIN pg_catalog.pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = con.confkey[1]
WHERE con.contype = 'f' AND array_length(con.conkey, 1) = 1
	AND n.nspname = ANY($1)
ORDER BY n.nspname, cl.relname, a.attname`

func loadAll(ctx context.Context, conn pg.Conn, schemas []string) (map[table.EntityType]Table, error) {
	cols, err := collect[columnRow](ctx, conn, columnsSQL, schemas)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	pkeys, err := collect[keyRow](ctx, conn, primaryKeysSQL, schemas)
	if err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}
	fkeys, err := collect[foreignKeyRow](ctx, conn, foreignKeysSQL, schemas)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	return assembleTables(schemas[0], cols, pkeys, fkeys), nil
}

func collect[T any](ctx context.Context, conn pg.Conn, sql string, schemas []string) ([]T, error) {
	rows, err := conn.Query(ctx, sql, schemas)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[T])
}

func assembleTables(defaultSchema string, cols []columnRow, pkeys []keyRow, fkeys []foreignKeyRow) map[table.EntityType]Table {
	name := func(schema, tbl string) table.EntityType {
		if schema == defaultSchema {
			return table.EntityType(tbl)
		}
		return table.EntityType(schema + "." + tbl)
	}

	tables := make(map[table.EntityType]Table)
	for _, r := range cols {
		key := name(r.Schema, r.Table)
		t, ok := tables[key]
		if !ok {
			t = Table{Schema: r.Schema, Name: r.Table, Type: tableType(r.Kind)}
		}
		t.Columns = append(t.Columns, Column{Name: r.Column, DataType: r.DataType, IsNullable: r.Nullable})
		tables[key] = t
	}
	for _, r := range pkeys {
		key := name(r.Schema, r.Table)
		if t, ok := tables[key]; ok {
			t.PrimaryKeys = append(t.PrimaryKeys, r.Column)
			tables[key] = t
		}
	}
	for _, r := range fkeys {
		key := name(r.Schema, r.Table)
		if t, ok := tables[key]; ok {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Column:           r.Column,
				ReferencedSchema: r.ReferencedSchema,
				ReferencedTable:  r.ReferencedTable,
				ReferencedColumn: r.ReferencedColumn,
			})
			tables[key] = t
		}
	}
	return tables
}

func tableType(relkind string) TableType {
	switch relkind {
	case "v":
		return TypeView
	case "m":
		return TypeMaterializedView
	default:
		return TypeTable
	}
}
