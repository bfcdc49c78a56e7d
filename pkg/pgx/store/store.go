// Package store runs table queries against PostgreSQL. Predicates are
// translated with squirrel; identifiers are always quoted and values are
// always bound as parameters.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	sq "github.com/Masterminds/squirrel"
	pg "github.com/edgeflare/pgtable/pkg/pgx"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Catalog resolves entity types to tables. *schema.Cache implements it.
type Catalog interface {
	table.SchemaProvider
	Qualified(entity table.EntityType) (schema, name string)
	PrimaryKey(entity table.EntityType) (string, bool)
}

// Store implements table.Store and table.SchemaProvider.
type Store struct {
	conn    pg.Conn
	catalog Catalog
	logger  *zap.Logger
	builder sq.StatementBuilderType
	keys    map[table.EntityType]string
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrimaryKeys sets the key column of entities whose catalog entry has no
// single-column primary key, e.g. views. Entries take precedence over the catalog.
func WithPrimaryKeys(keys map[table.EntityType]string) Option {
	return func(s *Store) {
		for entity, pk := range keys {
			if pk != "" {
				s.keys[entity] = pk
			}
		}
	}
}

func New(conn pg.Conn, catalog Catalog, opts ...Option) *Store {
	s := &Store{
		conn:    conn,
		catalog: catalog,
		logger:  zap.NewNop(),
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		keys:    map[table.EntityType]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Fields(ctx context.Context, entity table.EntityType) (table.FieldSet, error) {
	return s.catalog.Fields(ctx, entity)
}

func (s *Store) relation(entity table.EntityType) string {
	schema, name := s.catalog.Qualified(entity)
	return pgx.Identifier{schema, name}.Sanitize()
}

func (s *Store) primaryKey(entity table.EntityType) string {
	if pk, ok := s.keys[entity]; ok {
		return pk
	}
	if pk, ok := s.catalog.PrimaryKey(entity); ok {
		return pk
	}
	return "id"
}

func (s *Store) Find(ctx context.Context, entity table.EntityType, id any) (table.Record, error) {
	if _, err := s.catalog.Fields(ctx, entity); err != nil {
		return nil, err
	}
	query, args, err := s.builder.
		Select("*").
		From(s.relation(entity)).
		Where(sq.Eq{quote(s.primaryKey(entity)): id}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find: %w", err)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", entity, err)
	}
	rec, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, table.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", entity, err)
	}
	return normalizeRecord(rec), nil
}

func (s *Store) Query(ctx context.Context, entity table.EntityType) (table.Query, error) {
	if _, err := s.catalog.Fields(ctx, entity); err != nil {
		return nil, err
	}
	return &Query{
		conn:       s.conn,
		builder:    s.builder,
		from:       s.relation(entity),
		primaryKey: s.primaryKey(entity),
		logger:     s.logger.With(zap.String("entity", string(entity))),
	}, nil
}

// Query accumulates conditions and ordering for one relation.
type Query struct {
	conn       pg.Conn
	builder    sq.StatementBuilderType
	from       string
	primaryKey string
	logger     *zap.Logger

	where   []sq.Sqlizer
	orderBy []string
	ordered map[string]bool
	err     error
}

func (q *Query) Where(p table.Predicate) {
	cond, err := toSqlizer(p)
	if err != nil {
		q.err = errors.Join(q.err, err)
		return
	}
	q.where = append(q.where, cond)
}

func (q *Query) WhereNot(p table.Predicate) {
	cond, err := toSqlizer(p)
	if err != nil {
		q.err = errors.Join(q.err, err)
		return
	}
	q.where = append(q.where, not{cond})
}

func (q *Query) OrderBy(field string, dir table.Direction) {
	if dir == table.Skip {
		return
	}
	if q.ordered == nil {
		q.ordered = map[string]bool{}
	}
	if q.ordered[field] {
		return
	}
	q.ordered[field] = true
	if dir == table.Descending {
		q.orderBy = append(q.orderBy, quote(field)+" DESC")
		return
	}
	q.orderBy = append(q.orderBy, quote(field)+" ASC")
}

func (q *Query) filtered(columns ...string) sq.SelectBuilder {
	b := q.builder.Select(columns...).From(q.from)
	for _, cond := range q.where {
		b = b.Where(cond)
	}
	return b
}

// sorted appends the primary key as the final tiebreak so pages are stable.
func (q *Query) sorted(b sq.SelectBuilder) sq.SelectBuilder {
	order := q.orderBy
	if !q.ordered[q.primaryKey] {
		order = append(order[:len(order):len(order)], quote(q.primaryKey)+" ASC")
	}
	return b.OrderBy(order...)
}

func (q *Query) countSQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	return q.filtered("count(*)").ToSql()
}

func (q *Query) pluckSQL(field string) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	return q.sorted(q.filtered(quote(field))).ToSql()
}

func (q *Query) pageSQL(page, perPage int) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	return q.sorted(q.filtered("*")).
		Limit(uint64(perPage)).
		Offset(uint64((page - 1) * perPage)).
		ToSql()
}

func (q *Query) Count(ctx context.Context) (int, error) {
	query, args, err := q.countSQL()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	q.logger.Debug("count", zap.String("sql", query))

	var n int64
	if err := q.conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return int(n), nil
}

func (q *Query) Pluck(ctx context.Context, field string) ([]any, error) {
	query, args, err := q.pluckSQL(field)
	if err != nil {
		return nil, fmt.Errorf("build pluck: %w", err)
	}
	q.logger.Debug("pluck", zap.String("sql", query))

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pluck: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[any])
	if err != nil {
		return nil, fmt.Errorf("pluck: %w", err)
	}
	for i, k := range keys {
		keys[i] = normalize(k)
	}
	return keys, nil
}

func (q *Query) Paginate(ctx context.Context, page, perPage int) (*table.Page, error) {
	if page < 1 || perPage < 1 {
		return nil, fmt.Errorf("invalid page %d of size %d", page, perPage)
	}
	n, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}

	query, args, err := q.pageSQL(page, perPage)
	if err != nil {
		return nil, fmt.Errorf("build page: %w", err)
	}
	q.logger.Debug("page", zap.String("sql", query), zap.Int("page", page))

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page: %w", err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("page: %w", err)
	}

	items := make([]table.Record, 0, len(maps))
	for _, m := range maps {
		items = append(items, normalizeRecord(m))
	}
	return &table.Page{
		Items:    items,
		LastPage: max(1, int(math.Ceil(float64(n)/float64(perPage)))),
	}, nil
}

// normalize converts decoded values without a usable JSON form. uuid columns
// decode to [16]byte and are returned in their canonical string form.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case []any:
		for i, item := range x {
			x[i] = normalize(item)
		}
		return x
	default:
		return v
	}
}

func normalizeRecord(m map[string]any) table.Record {
	for k, v := range m {
		m[k] = normalize(v)
	}
	return table.Record(m)
}
