package store

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/jackc/pgx/v5"
)

func quote(field string) string {
	return pgx.Identifier{field}.Sanitize()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// toSqlizer translates a predicate into a squirrel condition. Contains casts
// the column to text and folds case, with null rendered as ''.
func toSqlizer(p table.Predicate) (sq.Sqlizer, error) {
	switch p := p.(type) {
	case table.Contains:
		return sq.Expr(
			"COALESCE(CAST("+quote(p.Field)+" AS TEXT), '') ILIKE ?",
			"%"+likeEscaper.Replace(p.Value)+"%",
		), nil
	case table.Equals:
		return sq.Eq{quote(p.Field): p.Value}, nil
	case table.In:
		return sq.Eq{quote(p.Field): p.Values}, nil
	case table.IsNull:
		return sq.Eq{quote(p.Field): nil}, nil
	case table.Compare:
		col := quote(p.Field)
		switch p.Op {
		case table.Less:
			return sq.Lt{col: p.Value}, nil
		case table.LessOrEqual:
			return sq.LtOrEq{col: p.Value}, nil
		case table.Greater:
			return sq.Gt{col: p.Value}, nil
		case table.GreaterOrEqual:
			return sq.GtOrEq{col: p.Value}, nil
		}
		return nil, fmt.Errorf("unknown compare operator %d", p.Op)
	case table.AnyOf:
		if len(p) == 0 {
			return sq.Expr("FALSE"), nil
		}
		parts, err := toSqlizers(p)
		if err != nil {
			return nil, err
		}
		return sq.Or(parts), nil
	case table.AllOf:
		if len(p) == 0 {
			return sq.Expr("TRUE"), nil
		}
		parts, err := toSqlizers(p)
		if err != nil {
			return nil, err
		}
		return sq.And(parts), nil
	case table.Not:
		inner, err := toSqlizer(p.Predicate)
		if err != nil {
			return nil, err
		}
		return not{inner}, nil
	default:
		return nil, fmt.Errorf("unsupported predicate %T", p)
	}
}

func toSqlizers(ps []table.Predicate) ([]sq.Sqlizer, error) {
	out := make([]sq.Sqlizer, 0, len(ps))
	for _, p := range ps {
		s, err := toSqlizer(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// not negates a condition. A condition evaluating to NULL counts as not
// matching, so its negation matches.
type not struct {
	cond sq.Sqlizer
}

func (n not) ToSql() (string, []any, error) {
	sql, args, err := n.cond.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "(" + sql + ") IS NOT TRUE", args, nil
}
