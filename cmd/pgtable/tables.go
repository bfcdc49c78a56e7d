package pgtable

import (
	"fmt"

	"github.com/edgeflare/pgtable/pkg/config"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
)

// catalog is the part of the schema cache endpoints are derived from.
type catalog interface {
	table.SchemaProvider
	Entities() []table.EntityType
	PrimaryKey(entity table.EntityType) (string, bool)
	BindTargets(entity table.EntityType) map[string]table.EntityType
}

type endpointDeps struct {
	store     table.Store
	catalog   catalog
	authz     table.Authorizer
	publisher table.Publisher
	logger    *zap.Logger
}

// buildEndpoints creates one endpoint per configured table, or per table of
// the catalog when none are configured.
func buildEndpoints(tables []config.TableConfig, deps endpointDeps) ([]*table.Endpoint, error) {
	if len(tables) == 0 {
		for _, entity := range deps.catalog.Entities() {
			tables = append(tables, config.TableConfig{Entity: string(entity)})
		}
	}

	known := make(map[table.EntityType]bool)
	for _, entity := range deps.catalog.Entities() {
		known[entity] = true
	}

	endpoints := make([]*table.Endpoint, 0, len(tables))
	for _, tc := range tables {
		entity := table.EntityType(tc.Entity)
		if !known[entity] {
			return nil, fmt.Errorf("table %s: %w", entity, table.ErrUnknownEntity)
		}

		pk := tc.PrimaryKey
		if pk == "" {
			var ok bool
			if pk, ok = deps.catalog.PrimaryKey(entity); !ok {
				deps.logger.Warn("table has no single-column primary key, skipping", zap.String("entity", tc.Entity))
				continue
			}
		}

		targets := deps.catalog.BindTargets(entity)
		if targets == nil {
			targets = make(map[string]table.EntityType)
		}
		for relation, target := range tc.BindTargets {
			targets[relation] = table.EntityType(target)
		}

		opts := []table.Option{
			table.WithStore(deps.store),
			table.WithSchema(deps.catalog),
			table.WithAuthorizer(deps.authz),
			table.WithPrimaryKey(pk),
			table.WithBindTargets(targets),
			table.WithLogger(deps.logger),
			table.WithAbility(tc.ViewAbility, tc.BindAbility),
		}
		if deps.publisher != nil {
			opts = append(opts, table.WithPublisher(deps.publisher))
		}
		ep, err := table.New(entity, opts...)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// primaryKeys collects the configured key overrides so the store orders and
// looks up records by the same column as the endpoint.
func primaryKeys(tables []config.TableConfig) map[table.EntityType]string {
	keys := make(map[table.EntityType]string)
	for _, tc := range tables {
		if tc.PrimaryKey != "" {
			keys[table.EntityType(tc.Entity)] = tc.PrimaryKey
		}
	}
	return keys
}
