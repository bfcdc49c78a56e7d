package memory

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *Store {
	t.Helper()
	s := New("")
	require.NoError(t, s.Insert("items",
		table.Record{"id": 1, "name": "Bolt", "qty": int64(5), "note": nil},
		table.Record{"id": 2, "name": "nut", "qty": 12.0, "note": "spare"},
		table.Record{"id": 3, "name": "Washer", "qty": int32(5), "note": nil},
	))
	return s
}

func keys(t *testing.T, q table.Query) []any {
	t.Helper()
	ks, err := q.Pluck(context.Background(), "id")
	require.NoError(t, err)
	return ks
}

func TestInsertValidates(t *testing.T) {
	s := seed(t)
	assert.Error(t, s.Insert("items", table.Record{"id": 4, "colour": "red"}))
	assert.Error(t, s.Insert("items", table.Record{"name": "no key"}))

	fields, err := s.Fields(context.Background(), "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "note", "qty"}, fields.Sorted())

	_, err = s.Fields(context.Background(), "nothing")
	assert.ErrorIs(t, err, table.ErrUnknownEntity)
}

func TestFind(t *testing.T) {
	s := seed(t)
	rec, err := s.Find(context.Background(), "items", int64(2))
	require.NoError(t, err)
	assert.Equal(t, "nut", rec.Get("name"))

	rec, err = s.Find(context.Background(), "items", "3")
	require.NoError(t, err)
	assert.Equal(t, "Washer", rec.Get("name"))

	_, err = s.Find(context.Background(), "items", 9)
	assert.ErrorIs(t, err, table.ErrNotFound)
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		pred table.Predicate
		not  bool
		want []any
	}{
		{"contains folds case", table.Contains{Field: "name", Value: "BOL"}, false, []any{1}},
		{"contains null is empty text", table.Contains{Field: "note", Value: ""}, false, []any{1, 2, 3}},
		{"contains number as text", table.Contains{Field: "qty", Value: "12"}, false, []any{2}},
		{"equals across numeric types", table.Equals{Field: "qty", Value: 5}, false, []any{1, 3}},
		{"equals null", table.Equals{Field: "note", Value: nil}, false, []any{1, 3}},
		{"in", table.In{Field: "id", Values: []any{int64(1), 3.0}}, false, []any{1, 3}},
		{"compare", table.Compare{Field: "qty", Op: table.Greater, Value: 5}, false, []any{2}},
		{"is null", table.IsNull{Field: "note"}, false, []any{1, 3}},
		{"empty any of", table.AnyOf{}, false, []any{}},
		{"empty all of", table.AllOf{}, false, []any{1, 2, 3}},
		{"any of", table.AnyOf{table.Equals{Field: "id", Value: 1}, table.Contains{Field: "name", Value: "wash"}}, false, []any{1, 3}},
		{"not", table.Not{Predicate: table.IsNull{Field: "note"}}, false, []any{2}},
		{"where not", table.Contains{Field: "name", Value: "o"}, true, []any{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := seed(t).Query(context.Background(), "items")
			require.NoError(t, err)
			if tt.not {
				q.WhereNot(tt.pred)
			} else {
				q.Where(tt.pred)
			}
			assert.Equal(t, tt.want, keys(t, q))
		})
	}
}

func TestOrderIsStableMultiKey(t *testing.T) {
	q, err := seed(t).Query(context.Background(), "items")
	require.NoError(t, err)
	q.OrderBy("qty", table.Descending)
	q.OrderBy("name", table.Skip)
	q.OrderBy("id", table.Descending)
	assert.Equal(t, []any{2, 3, 1}, keys(t, q))

	q, err = seed(t).Query(context.Background(), "items")
	require.NoError(t, err)
	q.OrderBy("qty", table.Ascending)
	assert.Equal(t, []any{1, 3, 2}, keys(t, q), "ties keep insertion order")

	q, err = seed(t).Query(context.Background(), "items")
	require.NoError(t, err)
	q.OrderBy("note", table.Ascending)
	assert.Equal(t, []any{2, 1, 3}, keys(t, q), "nulls sort last")
}

func TestPaginate(t *testing.T) {
	q, err := seed(t).Query(context.Background(), "items")
	require.NoError(t, err)

	page, err := q.Paginate(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.LastPage)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 3, page.Items[0].Get("id"))

	page, err = q.Paginate(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	q.Where(table.AnyOf{})
	page, err = q.Paginate(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.LastPage)

	n, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.Paginate(context.Background(), 0, 10)
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0, compare(int64(3), 3.0))
	assert.Equal(t, -1, compare(now, now.Add(time.Second)))
	assert.Equal(t, -1, compare(false, true))
	assert.Equal(t, 1, compare(nil, "a"))
	assert.Equal(t, -1, compare("a", "b"))
}
