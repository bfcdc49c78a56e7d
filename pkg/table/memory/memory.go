// Package memory is an in-process table.Store for tests, demos and small
// reference datasets.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/pgtable/pkg/table"
)

// Store keeps records per entity type. It is safe for concurrent use; queries
// work on a snapshot taken when they are opened.
type Store struct {
	mu         sync.RWMutex
	tables     map[table.EntityType]*collection
	primaryKey string
}

type collection struct {
	fields  table.FieldSet
	records []table.Record
}

// New returns an empty store whose records are keyed by primaryKey
// ("id" when empty).
func New(primaryKey string) *Store {
	return &Store{
		tables:     map[table.EntityType]*collection{},
		primaryKey: cmp.Or(primaryKey, "id"),
	}
}

// Define declares an entity type with its fields. Records added later may
// only carry declared fields.
func (s *Store) Define(entity table.EntityType, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := table.NewFieldSet(fields...)
	fs[s.primaryKey] = struct{}{}
	if c, ok := s.tables[entity]; ok {
		c.fields = fs
		return
	}
	s.tables[entity] = &collection{fields: fs}
}

// Insert appends records, defining the entity type from the first record's
// fields if needed.
func (s *Store) Insert(entity table.EntityType, records ...table.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tables[entity]
	if !ok {
		c = &collection{fields: table.NewFieldSet(s.primaryKey)}
		for _, r := range records {
			for f := range r {
				c.fields[f] = struct{}{}
			}
		}
		s.tables[entity] = c
	}
	for _, r := range records {
		for f := range r {
			if !c.fields.Has(f) {
				return fmt.Errorf("memory: %s has no field %q", entity, f)
			}
		}
		if r.Get(s.primaryKey) == nil {
			return fmt.Errorf("memory: %s record without %s", entity, s.primaryKey)
		}
		c.records = append(c.records, maps.Clone(r))
	}
	return nil
}

func (s *Store) snapshot(entity table.EntityType) (*collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.tables[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", table.ErrUnknownEntity, entity)
	}
	return &collection{fields: c.fields, records: slices.Clone(c.records)}, nil
}

// Fields implements table.SchemaProvider.
func (s *Store) Fields(_ context.Context, entity table.EntityType) (table.FieldSet, error) {
	c, err := s.snapshot(entity)
	if err != nil {
		return nil, err
	}
	return maps.Clone(c.fields), nil
}

func (s *Store) Find(_ context.Context, entity table.EntityType, id any) (table.Record, error) {
	c, err := s.snapshot(entity)
	if err != nil {
		return nil, err
	}
	for _, r := range c.records {
		if compare(r.Get(s.primaryKey), id) == 0 {
			return maps.Clone(r), nil
		}
	}
	return nil, table.ErrNotFound
}

func (s *Store) Query(_ context.Context, entity table.EntityType) (table.Query, error) {
	c, err := s.snapshot(entity)
	if err != nil {
		return nil, err
	}
	return &Query{records: c.records}, nil
}

type orderKey struct {
	field string
	dir   table.Direction
}

// Query filters a snapshot of one entity type.
type Query struct {
	records []table.Record
	where   []func(table.Record) bool
	order   []orderKey
}

func (q *Query) Where(p table.Predicate) {
	q.where = append(q.where, matcher(p))
}

func (q *Query) WhereNot(p table.Predicate) {
	m := matcher(p)
	q.where = append(q.where, func(r table.Record) bool { return !m(r) })
}

func (q *Query) OrderBy(field string, dir table.Direction) {
	if dir == table.Skip {
		return
	}
	q.order = append(q.order, orderKey{field: field, dir: dir})
}

// result applies the predicates and sorts stably by the order keys.
func (q *Query) result() []table.Record {
	out := make([]table.Record, 0, len(q.records))
	for _, r := range q.records {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	if len(q.order) > 0 {
		slices.SortStableFunc(out, func(a, b table.Record) int {
			for _, k := range q.order {
				c := compare(a.Get(k.field), b.Get(k.field))
				if k.dir == table.Descending {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	return out
}

func (q *Query) matches(r table.Record) bool {
	for _, m := range q.where {
		if !m(r) {
			return false
		}
	}
	return true
}

func (q *Query) Count(_ context.Context) (int, error) {
	return len(q.result()), nil
}

func (q *Query) Pluck(_ context.Context, field string) ([]any, error) {
	rs := q.result()
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Get(field))
	}
	return out, nil
}

func (q *Query) Paginate(_ context.Context, page, perPage int) (*table.Page, error) {
	if page < 1 || perPage < 1 {
		return nil, fmt.Errorf("memory: invalid page %d of size %d", page, perPage)
	}
	rs := q.result()
	last := max(1, int(math.Ceil(float64(len(rs))/float64(perPage))))
	start := min((page-1)*perPage, len(rs))
	end := min(start+perPage, len(rs))
	items := make([]table.Record, 0, end-start)
	for _, r := range rs[start:end] {
		items = append(items, maps.Clone(r))
	}
	return &table.Page{Items: items, LastPage: last}, nil
}

func matcher(p table.Predicate) func(table.Record) bool {
	switch p := p.(type) {
	case table.Contains:
		needle := strings.ToLower(p.Value)
		return func(r table.Record) bool {
			return strings.Contains(strings.ToLower(table.Stringify(r.Get(p.Field))), needle)
		}
	case table.Equals:
		return func(r table.Record) bool {
			v := r.Get(p.Field)
			if p.Value == nil || v == nil {
				return p.Value == nil && v == nil
			}
			return compare(v, p.Value) == 0
		}
	case table.In:
		return func(r table.Record) bool {
			v := r.Get(p.Field)
			if v == nil {
				return false
			}
			return slices.ContainsFunc(p.Values, func(x any) bool { return x != nil && compare(v, x) == 0 })
		}
	case table.Compare:
		return func(r table.Record) bool {
			v := r.Get(p.Field)
			if v == nil || p.Value == nil {
				return false
			}
			c := compare(v, p.Value)
			switch p.Op {
			case table.Less:
				return c < 0
			case table.LessOrEqual:
				return c <= 0
			case table.Greater:
				return c > 0
			case table.GreaterOrEqual:
				return c >= 0
			}
			return false
		}
	case table.IsNull:
		return func(r table.Record) bool { return r.Get(p.Field) == nil }
	case table.AnyOf:
		ms := matchers(p)
		return func(r table.Record) bool {
			return slices.ContainsFunc(ms, func(m func(table.Record) bool) bool { return m(r) })
		}
	case table.AllOf:
		ms := matchers(p)
		return func(r table.Record) bool {
			for _, m := range ms {
				if !m(r) {
					return false
				}
			}
			return true
		}
	case table.Not:
		m := matcher(p.Predicate)
		return func(r table.Record) bool { return !m(r) }
	case nil:
		return func(table.Record) bool { return true }
	default:
		panic(fmt.Sprintf("memory: unsupported predicate %T", p))
	}
}

func matchers(ps []table.Predicate) []func(table.Record) bool {
	ms := make([]func(table.Record) bool, 0, len(ps))
	for _, p := range ps {
		ms = append(ms, matcher(p))
	}
	return ms
}

// compare orders values of mixed numeric types numerically, times
// chronologically and everything else by its text. nil sorts last.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return cmp.Compare(x, y)
		}
	}
	if x, ok := a.(time.Time); ok {
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(table.Stringify(a), table.Stringify(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
