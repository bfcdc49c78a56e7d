package schema

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgtable/internal/testutil/pgtest"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleTables(t *testing.T) {
	cols := []columnRow{
		{Schema: "public", Table: "orders", Kind: "r", Column: "id", DataType: "bigint"},
		{Schema: "public", Table: "orders", Kind: "r", Column: "customer_id", DataType: "bigint", Nullable: true},
		{Schema: "public", Table: "orders", Kind: "r", Column: "status", DataType: "text"},
		{Schema: "public", Table: "customers", Kind: "r", Column: "id", DataType: "bigint"},
		{Schema: "sales", Table: "totals", Kind: "m", Column: "total", DataType: "numeric"},
	}
	pkeys := []keyRow{
		{Schema: "public", Table: "orders", Column: "id"},
		{Schema: "public", Table: "customers", Column: "id"},
	}
	fkeys := []foreignKeyRow{
		{Schema: "public", Table: "orders", Column: "customer_id", ReferencedSchema: "public", ReferencedTable: "customers", ReferencedColumn: "id"},
	}

	tables := assembleTables("public", cols, pkeys, fkeys)
	require.Len(t, tables, 3)

	orders := tables["orders"]
	assert.Equal(t, TypeTable, orders.Type)
	assert.Equal(t, []string{"id"}, orders.PrimaryKeys)
	assert.True(t, orders.HasColumn("customer_id"))
	assert.False(t, orders.HasColumn("total"))
	require.Len(t, orders.ForeignKeys, 1)
	assert.Equal(t, "customers", orders.ForeignKeys[0].ReferencedTable)

	totals, ok := tables["sales.totals"]
	require.True(t, ok)
	assert.Equal(t, TypeMaterializedView, totals.Type)
	assert.Empty(t, totals.PrimaryKeys)
}

func TestCacheLookups(t *testing.T) {
	c := NewCache(nil, WithSchemas("public", "sales"))
	c.tables = assembleTables("public",
		[]columnRow{
			{Schema: "public", Table: "orders", Kind: "r", Column: "id"},
			{Schema: "public", Table: "orders", Kind: "r", Column: "customer_id"},
			{Schema: "public", Table: "orders", Kind: "r", Column: "region_id"},
			{Schema: "sales", Table: "regions", Kind: "r", Column: "id"},
		},
		[]keyRow{{Schema: "public", Table: "orders", Column: "id"}},
		[]foreignKeyRow{
			{Schema: "public", Table: "orders", Column: "customer_id", ReferencedSchema: "public", ReferencedTable: "customers", ReferencedColumn: "id"},
			{Schema: "public", Table: "orders", Column: "region_id", ReferencedSchema: "sales", ReferencedTable: "regions", ReferencedColumn: "id"},
		},
	)

	fields, err := c.Fields(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"customer_id", "id", "region_id"}, fields.Sorted())

	_, err = c.Fields(context.Background(), "missing")
	assert.ErrorIs(t, err, table.ErrUnknownEntity)

	pk, ok := c.PrimaryKey("orders")
	assert.True(t, ok)
	assert.Equal(t, "id", pk)
	_, ok = c.PrimaryKey("sales.regions")
	assert.False(t, ok)

	assert.Equal(t, map[string]table.EntityType{
		"customer": "customers",
		"region":   "sales.regions",
	}, c.BindTargets("orders"))

	assert.Equal(t, []table.EntityType{"orders", "sales.regions"}, c.Entities())

	s, n := c.Qualified("orders")
	assert.Equal(t, "public", s)
	assert.Equal(t, "orders", n)
	s, n = c.Qualified("sales.regions")
	assert.Equal(t, "sales", s)
	assert.Equal(t, "regions", n)
}

func TestSchemaWatch(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS test_watch (id SERIAL PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	defer pool.Exec(ctx, "DROP TABLE IF EXISTS test_watch")

	cache := NewCache(pool)
	require.NoError(t, cache.Init(ctx))
	defer cache.Close()

	// drain the initial snapshot
	<-cache.Watch()

	fields, err := cache.Fields(ctx, "test_watch")
	require.NoError(t, err)
	assert.True(t, fields.Has("name"))

	_, err = pool.Exec(ctx, `ALTER TABLE test_watch ADD COLUMN IF NOT EXISTS note TEXT`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "NOTIFY "+ReloadChannel+", '"+ReloadPayload+"'")
	require.NoError(t, err)

	select {
	case tables := <-cache.Watch():
		tbl := tables["test_watch"]
		assert.True(t, tbl.HasColumn("note"))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for schema change notification")
	}
}

func TestCacheCloseReleasesListener(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)

	cache := NewCache(pool)
	require.NoError(t, cache.Init(ctx))
	<-cache.Watch()

	closed := make(chan struct{})
	go func() {
		cache.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	// The listener has exited before its connection was closed.
	select {
	case <-cache.done:
	default:
		t.Fatal("listener still running after Close")
	}
	assert.True(t, cache.conn.IsClosed())

	// A second Close is a no-op.
	cache.Close()
}

func TestCacheCloseWithoutInit(t *testing.T) {
	cache := NewCache(nil)
	cache.Close()
	assert.Nil(t, cache.done)
}
