package table

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/edgeflare/pgtable/pkg/metrics"
	"go.uber.org/zap"
)

// Endpoint answers table requests for one entity type.
type Endpoint struct {
	entity      EntityType
	store       Store
	schema      SchemaProvider
	authz       Authorizer
	publisher   Publisher
	caps        *Capabilities
	primaryKey  string
	bindTargets map[string]EntityType
	logger      *zap.Logger
	viewAbility string
	bindAbility string
}

// Option configures an Endpoint.
type Option func(*Endpoint)

func WithStore(s Store) Option {
	return func(ep *Endpoint) { ep.store = s }
}

// WithSchema sets the field lister. When omitted, the store is used if it
// implements SchemaProvider.
func WithSchema(s SchemaProvider) Option {
	return func(ep *Endpoint) { ep.schema = s }
}

func WithAuthorizer(a Authorizer) Option {
	return func(ep *Endpoint) { ep.authz = a }
}

func WithPublisher(p Publisher) Option {
	return func(ep *Endpoint) { ep.publisher = p }
}

func WithCapabilities(c *Capabilities) Option {
	return func(ep *Endpoint) { ep.caps = c }
}

// WithPrimaryKey sets the key field, "id" by default.
func WithPrimaryKey(field string) Option {
	return func(ep *Endpoint) { ep.primaryKey = field }
}

// WithBindTargets maps bind relation names to the entity types they
// reference. Unmapped relations reference the entity type of the same name.
func WithBindTargets(targets map[string]EntityType) Option {
	return func(ep *Endpoint) { maps.Copy(ep.bindTargets, targets) }
}

func WithLogger(l *zap.Logger) Option {
	return func(ep *Endpoint) { ep.logger = l }
}

// WithAbility overrides the abilities checked on the entity type before a
// request runs (viewAny) and on bind targets (view).
func WithAbility(entity, bind string) Option {
	return func(ep *Endpoint) {
		if entity != "" {
			ep.viewAbility = entity
		}
		if bind != "" {
			ep.bindAbility = bind
		}
	}
}

// New builds the endpoint of entity. A store and an authorizer are required.
func New(entity EntityType, opts ...Option) (*Endpoint, error) {
	ep := &Endpoint{
		entity:      entity,
		primaryKey:  "id",
		bindTargets: map[string]EntityType{},
		logger:      zap.NewNop(),
		viewAbility: AbilityViewAny,
		bindAbility: AbilityView,
	}
	for _, opt := range opts {
		opt(ep)
	}

	if entity == "" {
		return nil, errors.New("table: entity type is required")
	}
	if ep.store == nil {
		return nil, fmt.Errorf("table: %s: store is required", entity)
	}
	if ep.authz == nil {
		return nil, fmt.Errorf("table: %s: authorizer is required", entity)
	}
	if ep.schema == nil {
		sp, ok := ep.store.(SchemaProvider)
		if !ok {
			return nil, fmt.Errorf("table: %s: schema provider is required", entity)
		}
		ep.schema = sp
	}
	if ep.caps == nil {
		ep.caps = NewCapabilities()
	}
	ep.logger = ep.logger.With(zap.String("entity", string(entity)))
	return ep, nil
}

func (ep *Endpoint) Entity() EntityType { return ep.entity }

func (ep *Endpoint) PrimaryKey() string { return ep.primaryKey }

// Overrides lists the canonical names of the registered overrides.
func (ep *Endpoint) Overrides() []string { return ep.caps.Names() }

func (ep *Endpoint) bindTarget(relation string) EntityType {
	if t, ok := ep.bindTargets[relation]; ok {
		return t
	}
	return EntityType(relation)
}

// Handle runs req for actor. It returns a *ValidationError for malformed
// requests and an *AuthorizationError when the actor may not list the entity
// type or view a bind target. Store failures are returned wrapped.
func (ep *Endpoint) Handle(ctx context.Context, actor Actor, req *Request) (env *Envelope, err error) {
	start := time.Now()
	defer func() {
		metrics.TableRequests.WithLabelValues(string(ep.entity), outcome(err)).Inc()
		metrics.TableRequestDuration.WithLabelValues(string(ep.entity)).Observe(time.Since(start).Seconds())
	}()

	if req == nil {
		verr := &ValidationError{}
		verr.add("", "request is empty")
		return nil, verr
	}

	logger := ep.logger.With(zap.String("actor", actor.ID))
	if id := RequestIDFrom(ctx); id != "" {
		logger = logger.With(zap.String("request_id", id))
	}

	gate := newGate(ep.authz, actor, ep.entity, logger)
	if err := gate.AuthorizeEntity(ctx, ep.viewAbility); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	controls := ep.resolveControls(ctx, gate, req.Controls)

	fields, err := ep.schema.Fields(ctx, ep.entity)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}

	p := &pipeline{ep: ep, gate: gate, req: req, fields: fields, logger: logger}
	snap, err := p.run(ctx)
	if err != nil {
		return nil, err
	}
	metrics.FilteredRows.WithLabelValues(string(ep.entity)).Observe(float64(snap.filtered))

	rows, err := ep.projectRows(ctx, gate, req, snap.page.Items)
	if err != nil {
		return nil, err
	}

	env = assemble(controls, rows, snap)
	logger.Debug("table request served",
		zap.Int("total", env.Counts.Total),
		zap.Int("filtered", env.Counts.Filtered),
		zap.Int("rows", len(env.Rows)))

	ep.notify(ctx, actor, req, env)
	return env, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrValidation):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrForbidden):
		return metrics.OutcomeForbidden
	default:
		return metrics.OutcomeError
	}
}
