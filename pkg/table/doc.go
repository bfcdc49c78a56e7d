// Package table turns a structured table request into a filtered, ordered and
// paginated projection of records, with authorization applied at every
// decision point. It backs UI data grids without a bespoke endpoint per entity.
//
// An Endpoint is built once per entity type and is safe for concurrent use:
//
//	caps := table.NewCapabilities().
//		Filter("customer", func(ctx context.Context, v any) (table.Predicate, error) {
//			return table.Equals{Field: "customer_id", Value: v}, nil
//		}).
//		Column("total", func(ctx context.Context, rec table.Record) (any, error) {
//			return rec.Get("net").(float64) * 1.2, nil
//		})
//
//	ep, err := table.New("orders",
//		table.WithStore(store),
//		table.WithAuthorizer(authz),
//		table.WithCapabilities(caps),
//	)
//	env, err := ep.Handle(ctx, actor, req)
//
// Each request goes through a fixed sequence of stages:
//
//	Stage          | Default behaviour
//	---------------|--------------------------------------------------------
//	viewAny check  | Authorizer.Can(actor, "viewAny", entity); deny aborts
//	controls       | Authorizer.Can(actor, control, entity) per control
//	scope          | override only, no-op by default
//	binds          | load target, Can(actor, "view", target), <relation>_id = id
//	count total    | Query.Count
//	filter         | stringified field contains value, negated if inverted
//	freeSearch     | OR of the filter predicate over the requested columns
//	order          | Query.OrderBy(field, direction); zero direction skipped
//	count filtered | Query.Count, then Query.Pluck(primary key)
//	paginate       | Query.Paginate(page, perPage)
//	rows           | field access per column, "#" row number, actions per record
//
// Any stage can be overridden per identifier through Capabilities.
package table
