package table

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Row is one projected record with the actions the actor may take on it.
type Row struct {
	Row     map[string]any `json:"row"`
	Actions []string       `json:"actions"`
}

func (ep *Endpoint) projectRows(ctx context.Context, gate *Gate, req *Request, items []Record) ([]Row, error) {
	rows := make([]Row, 0, len(items))
	numbered := req.HasColumn(RowNumberColumn)
	offset := req.Offset()

	for i, rec := range items {
		values, err := ep.projectColumns(ctx, req, rec)
		if err != nil {
			return nil, err
		}
		if numbered {
			values[RowNumberColumn] = offset + i + 1
		}
		rows = append(rows, Row{
			Row:     values,
			Actions: ep.resolveActions(ctx, gate, req.Actions, rec),
		})
	}
	return rows, nil
}

// projectColumns builds the row map of rec. The primary key is always present.
func (ep *Endpoint) projectColumns(ctx context.Context, req *Request, rec Record) (map[string]any, error) {
	var values map[string]any
	if len(req.Columns) == 0 {
		values = rec.Fields()
		if values == nil {
			values = map[string]any{}
		}
	} else {
		values = make(map[string]any, len(req.Columns)+1)
		for _, name := range req.Columns {
			if name == RowNumberColumn {
				continue
			}
			col, ok := ep.caps.column(name)
			if !ok {
				values[name] = rec.Get(name)
				continue
			}
			v, err := col.value(ctx, rec, name)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			values[name] = v
		}
	}
	if _, ok := values[ep.primaryKey]; !ok {
		values[ep.primaryKey] = rec.Get(ep.primaryKey)
	}
	return values, nil
}

// resolveActions keeps the requested actions the actor may take on rec, in
// request order.
func (ep *Endpoint) resolveActions(ctx context.Context, gate *Gate, requested []string, rec Record) []string {
	allowed := make([]string, 0, len(requested))
	for _, action := range requested {
		if fn, ok := ep.caps.action(action); ok {
			ok, err := fn(ctx, gate.Actor(), rec)
			if err != nil {
				gate.logger.Warn("action override failed", zap.String("action", action), zap.Error(err))
				continue
			}
			if ok {
				allowed = append(allowed, action)
			}
			continue
		}
		if gate.Allows(ctx, action, rec) {
			allowed = append(allowed, action)
		}
	}
	return allowed
}
