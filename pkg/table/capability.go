package table

import (
	"context"
	"maps"
	"slices"

	"github.com/stoewer/go-strcase"
)

// Category groups overrides by the pipeline stage that consults them.
type Category string

const (
	CategoryControl    Category = "control"
	CategoryBind       Category = "bind"
	CategoryFilter     Category = "filter"
	CategoryFreeSearch Category = "freeSearch"
	CategoryOrder      Category = "order"
	CategoryColumn     Category = "column"
	CategoryAction     Category = "action"
	CategoryScope      Category = "scope"
)

type (
	// ControlFunc decides whether the actor gets a global control.
	ControlFunc func(ctx context.Context, actor Actor) (bool, error)

	// BindFunc scopes the query to the bound record.
	BindFunc func(ctx context.Context, q Query, id any) error

	// FilterFunc returns the predicate for a filter value. A nil predicate
	// adds nothing. Inversion is applied by the caller.
	FilterFunc func(ctx context.Context, value any) (Predicate, error)

	// SearchFunc returns the predicate a column contributes to free search.
	SearchFunc func(ctx context.Context, term string) (Predicate, error)

	// OrderFunc applies the ordering of one order key.
	OrderFunc func(ctx context.Context, q Query, dir Direction) error

	// ColumnFunc computes a column from the record.
	ColumnFunc func(ctx context.Context, rec Record) (any, error)

	// ColumnValueFunc computes a column from the record and the raw field of
	// the same name.
	ColumnValueFunc func(ctx context.Context, rec Record, raw any) (any, error)

	// ActionFunc decides whether the actor gets an action on a record.
	ActionFunc func(ctx context.Context, actor Actor, rec Record) (bool, error)

	// ScopeFunc restricts the query to what the actor owns.
	ScopeFunc func(ctx context.Context, actor Actor, q Query) error
)

// column keeps the two column handler kinds apart; exactly one is set.
type column struct {
	fromRecord ColumnFunc
	fromValue  ColumnValueFunc
}

func (c column) value(ctx context.Context, rec Record, field string) (any, error) {
	if c.fromValue != nil {
		return c.fromValue(ctx, rec, rec.Get(field))
	}
	return c.fromRecord(ctx, rec)
}

// HandlerName is the canonical name of the override for an identifier, e.g.
// HandlerName(CategoryFilter, "customer_name") == "filter_customerName".
func HandlerName(cat Category, identifier string) string {
	if cat == CategoryScope {
		return string(CategoryScope)
	}
	return string(cat) + "_" + strcase.LowerCamelCase(identifier)
}

// Capabilities holds the overrides of one endpoint, keyed by canonical
// handler name. Register everything before the endpoint serves requests;
// lookups never mutate and a nil *Capabilities has no overrides.
type Capabilities struct {
	handlers map[string]any
}

func NewCapabilities() *Capabilities {
	return &Capabilities{handlers: make(map[string]any)}
}

// register ignores nil handlers so an unset override keeps the default.
func (c *Capabilities) register(cat Category, identifier string, h any, isNil bool) *Capabilities {
	if c.handlers == nil {
		c.handlers = make(map[string]any)
	}
	if !isNil {
		c.handlers[HandlerName(cat, identifier)] = h
	}
	return c
}

func (c *Capabilities) Control(identifier string, fn ControlFunc) *Capabilities {
	return c.register(CategoryControl, identifier, fn, fn == nil)
}

func (c *Capabilities) Bind(relation string, fn BindFunc) *Capabilities {
	return c.register(CategoryBind, relation, fn, fn == nil)
}

func (c *Capabilities) Filter(field string, fn FilterFunc) *Capabilities {
	return c.register(CategoryFilter, field, fn, fn == nil)
}

func (c *Capabilities) FreeSearch(col string, fn SearchFunc) *Capabilities {
	return c.register(CategoryFreeSearch, col, fn, fn == nil)
}

func (c *Capabilities) Order(field string, fn OrderFunc) *Capabilities {
	return c.register(CategoryOrder, field, fn, fn == nil)
}

// Column registers a computed column that only needs the record.
func (c *Capabilities) Column(name string, fn ColumnFunc) *Capabilities {
	return c.register(CategoryColumn, name, column{fromRecord: fn}, fn == nil)
}

// ColumnValue registers a computed column that also receives the raw field
// value of the same name.
func (c *Capabilities) ColumnValue(name string, fn ColumnValueFunc) *Capabilities {
	return c.register(CategoryColumn, name, column{fromValue: fn}, fn == nil)
}

func (c *Capabilities) Action(identifier string, fn ActionFunc) *Capabilities {
	return c.register(CategoryAction, identifier, fn, fn == nil)
}

// Scope registers the ownership hook run before any other query stage.
func (c *Capabilities) Scope(fn ScopeFunc) *Capabilities {
	return c.register(CategoryScope, "", fn, fn == nil)
}

// Resolve returns the override registered for identifier in cat. When ok is
// false the category default applies.
func (c *Capabilities) Resolve(cat Category, identifier string) (handler any, ok bool) {
	if c == nil || (cat == CategoryColumn && identifier == RowNumberColumn) {
		return nil, false
	}
	handler, ok = c.handlers[HandlerName(cat, identifier)]
	return handler, ok
}

// Names returns the canonical names of all registered overrides.
func (c *Capabilities) Names() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.handlers))
}

func resolve[T any](c *Capabilities, cat Category, identifier string) (T, bool) {
	h, ok := c.Resolve(cat, identifier)
	if !ok {
		var zero T
		return zero, false
	}
	fn, ok := h.(T)
	return fn, ok
}

func (c *Capabilities) control(id string) (ControlFunc, bool) {
	return resolve[ControlFunc](c, CategoryControl, id)
}

func (c *Capabilities) bind(relation string) (BindFunc, bool) {
	return resolve[BindFunc](c, CategoryBind, relation)
}

func (c *Capabilities) filter(field string) (FilterFunc, bool) {
	return resolve[FilterFunc](c, CategoryFilter, field)
}

func (c *Capabilities) freeSearch(col string) (SearchFunc, bool) {
	return resolve[SearchFunc](c, CategoryFreeSearch, col)
}

func (c *Capabilities) order(field string) (OrderFunc, bool) {
	return resolve[OrderFunc](c, CategoryOrder, field)
}

func (c *Capabilities) column(name string) (column, bool) {
	return resolve[column](c, CategoryColumn, name)
}

func (c *Capabilities) action(id string) (ActionFunc, bool) {
	return resolve[ActionFunc](c, CategoryAction, id)
}

func (c *Capabilities) scope() (ScopeFunc, bool) {
	return resolve[ScopeFunc](c, CategoryScope, "")
}
