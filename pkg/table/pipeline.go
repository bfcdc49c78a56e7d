package table

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// snapshot is what the query stages hand over to projection.
type snapshot struct {
	total        int
	filtered     int
	filteredKeys []any
	page         *Page
}

// pipeline runs the query stages of one request in their fixed order.
type pipeline struct {
	ep     *Endpoint
	gate   *Gate
	req    *Request
	fields FieldSet
	q      Query
	logger *zap.Logger
}

func (p *pipeline) run(ctx context.Context) (*snapshot, error) {
	q, err := p.ep.store.Query(ctx, p.ep.entity)
	if err != nil {
		return nil, fmt.Errorf("open query: %w", err)
	}
	p.q = q

	if err := p.scope(ctx); err != nil {
		return nil, err
	}
	if err := p.binds(ctx); err != nil {
		return nil, err
	}

	snap := &snapshot{}
	if snap.total, err = p.q.Count(ctx); err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}

	if err := p.filters(ctx); err != nil {
		return nil, err
	}
	if err := p.freeSearch(ctx); err != nil {
		return nil, err
	}
	if err := p.order(ctx); err != nil {
		return nil, err
	}

	if snap.filtered, err = p.q.Count(ctx); err != nil {
		return nil, fmt.Errorf("count filtered: %w", err)
	}
	if snap.filteredKeys, err = p.q.Pluck(ctx, p.ep.primaryKey); err != nil {
		return nil, fmt.Errorf("pluck %s: %w", p.ep.primaryKey, err)
	}
	if snap.filteredKeys == nil {
		snap.filteredKeys = []any{}
	}
	if snap.page, err = p.q.Paginate(ctx, p.req.Page, p.req.PerPage); err != nil {
		return nil, fmt.Errorf("paginate: %w", err)
	}
	if snap.page == nil {
		snap.page = &Page{LastPage: 1}
	}
	return snap, nil
}

func (p *pipeline) scope(ctx context.Context) error {
	fn, ok := p.ep.caps.scope()
	if !ok {
		return nil
	}
	if err := fn(ctx, p.gate.Actor(), p.q); err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	return nil
}

// binds authorizes each bound record before it narrows the query. An
// override replaces both the lookup and the authorization of its relation.
func (p *pipeline) binds(ctx context.Context) error {
	for _, b := range p.req.Binds {
		if b.ID == nil {
			continue
		}
		if fn, ok := p.ep.caps.bind(b.Relation); ok {
			if err := fn(ctx, p.q, b.ID); err != nil {
				return fmt.Errorf("bind %s: %w", b.Relation, err)
			}
			continue
		}

		field := b.Relation + "_id"
		if !p.fields.Has(field) {
			verr := &ValidationError{}
			verr.add("binds."+b.Relation, "unknown relation")
			return verr
		}

		target := p.ep.bindTarget(b.Relation)
		rec, err := p.ep.store.Find(ctx, target, b.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			// a missing target is indistinguishable from one the actor cannot see
			return &AuthorizationError{Ability: p.ep.bindAbility, Entity: target, Reason: "bound record not found"}
		default:
			return fmt.Errorf("load bound %s: %w", target, err)
		}
		if err := p.gate.AuthorizeInstance(ctx, p.ep.bindAbility, target, rec); err != nil {
			return err
		}
		p.q.Where(Equals{Field: field, Value: b.ID})
	}
	return nil
}

func (p *pipeline) filters(ctx context.Context) error {
	for _, c := range p.req.Filter {
		if c.Value == nil {
			continue
		}
		var pred Predicate
		if fn, ok := p.ep.caps.filter(c.Field); ok {
			var err error
			if pred, err = fn(ctx, c.Value); err != nil {
				return fmt.Errorf("filter %s: %w", c.Field, err)
			}
		} else if p.fields.Has(c.Field) {
			pred = Contains{Field: c.Field, Value: Stringify(c.Value)}
		} else {
			p.logger.Debug("skipping filter on unknown field", zap.String("field", c.Field))
			continue
		}
		if pred == nil {
			continue
		}
		if p.req.Inverted(c.Field) {
			p.q.WhereNot(pred)
		} else {
			p.q.Where(pred)
		}
	}
	return nil
}

// freeSearch adds a single OR group across the selected columns.
func (p *pipeline) freeSearch(ctx context.Context) error {
	term := p.req.FreeSearch
	if term == "" {
		return nil
	}
	columns := p.req.Columns
	if len(columns) == 0 {
		columns = p.fields.Sorted()
	}

	var group AnyOf
	for _, col := range columns {
		if col == RowNumberColumn {
			continue
		}
		if fn, ok := p.ep.caps.freeSearch(col); ok {
			pred, err := fn(ctx, term)
			if err != nil {
				return fmt.Errorf("free search %s: %w", col, err)
			}
			if pred != nil {
				group = append(group, pred)
			}
			continue
		}
		if p.fields.Has(col) {
			group = append(group, Contains{Field: col, Value: term})
		}
	}
	if len(group) == 0 {
		p.logger.Debug("no searchable columns, skipping free search")
		return nil
	}
	p.q.Where(group)
	return nil
}

func (p *pipeline) order(ctx context.Context) error {
	for _, k := range p.req.Order {
		if k.Direction == Skip {
			continue
		}
		if fn, ok := p.ep.caps.order(k.Field); ok {
			if err := fn(ctx, p.q, k.Direction); err != nil {
				return fmt.Errorf("order %s: %w", k.Field, err)
			}
			continue
		}
		if !p.fields.Has(k.Field) {
			p.logger.Debug("skipping order on unknown field", zap.String("field", k.Field))
			continue
		}
		p.q.OrderBy(k.Field, k.Direction)
	}
	return nil
}
