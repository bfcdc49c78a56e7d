package table

import (
	"context"
	"maps"
	"slices"
)

// EntityType identifies the kind of record an endpoint serves, e.g. "orders".
type EntityType string

// Record is one entity borrowed from the store for the duration of a request.
type Record map[string]any

// Get returns the named field or nil.
func (r Record) Get(field string) any {
	return r[field]
}

// Fields returns a copy of every natural field of the record.
func (r Record) Fields() map[string]any {
	return maps.Clone(r)
}

// Page is one slice of the filtered set.
type Page struct {
	Items []Record
	// LastPage is the number of pages under the requested page size, at least 1.
	LastPage int
}

// Query is an incrementally built store query. Where, WhereNot and OrderBy
// only record intent; Count, Pluck and Paginate run against the store.
type Query interface {
	Where(p Predicate)
	WhereNot(p Predicate)
	OrderBy(field string, dir Direction)
	Count(ctx context.Context) (int, error)
	Pluck(ctx context.Context, field string) ([]any, error)
	Paginate(ctx context.Context, page, perPage int) (*Page, error)
}

// Store opens queries and loads single records.
type Store interface {
	Query(ctx context.Context, entity EntityType) (Query, error)
	// Find returns ErrNotFound when no record has the given key.
	Find(ctx context.Context, entity EntityType, id any) (Record, error)
}

// SchemaProvider lists the natural fields of an entity type.
type SchemaProvider interface {
	Fields(ctx context.Context, entity EntityType) (FieldSet, error)
}

// FieldSet is a set of field names.
type FieldSet map[string]struct{}

func NewFieldSet(names ...string) FieldSet {
	fs := make(FieldSet, len(names))
	for _, n := range names {
		fs[n] = struct{}{}
	}
	return fs
}

func (fs FieldSet) Has(name string) bool {
	_, ok := fs[name]
	return ok
}

// Sorted returns the field names in lexical order.
func (fs FieldSet) Sorted() []string {
	return slices.Sorted(maps.Keys(fs))
}
