package table

import (
	"context"
	"slices"

	"github.com/edgeflare/pgtable/pkg/metrics"
	"go.uber.org/zap"
)

// Abilities checked by the endpoint itself.
const (
	AbilityViewAny = "viewAny"
	AbilityView    = "view"
)

// Actor is the authenticated principal a request runs for.
type Actor struct {
	ID         string         `json:"id"`
	Roles      []string       `json:"roles,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Subject is what an ability is checked against: the entity type itself when
// Record is nil, otherwise one record of that type.
type Subject struct {
	Type   EntityType
	Record Record
}

// IsInstance reports whether the subject is a single record.
func (s Subject) IsInstance() bool {
	return s.Record != nil
}

// Authorizer decides whether an actor has an ability on a subject.
type Authorizer interface {
	Can(ctx context.Context, actor Actor, ability string, subject Subject) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actor Actor, ability string, subject Subject) (bool, error)

func (f AuthorizerFunc) Can(ctx context.Context, actor Actor, ability string, subject Subject) (bool, error) {
	return f(ctx, actor, ability, subject)
}

// AllowAll grants every ability. Useful for tests and trusted internal callers.
var AllowAll = AuthorizerFunc(func(context.Context, Actor, string, Subject) (bool, error) {
	return true, nil
})

// Gate binds an Authorizer to the actor and entity type of one request.
type Gate struct {
	authz  Authorizer
	actor  Actor
	entity EntityType
	logger *zap.Logger
}

func newGate(authz Authorizer, actor Actor, entity EntityType, logger *zap.Logger) *Gate {
	return &Gate{authz: authz, actor: actor, entity: entity, logger: logger}
}

// AuthorizeEntity fails with *AuthorizationError unless the actor has ability
// on the entity type. Authorizer errors are returned as-is.
func (g *Gate) AuthorizeEntity(ctx context.Context, ability string) error {
	ok, err := g.authz.Can(ctx, g.actor, ability, Subject{Type: g.entity})
	if err != nil {
		return err
	}
	if !ok {
		metrics.AuthorizationDenials.WithLabelValues(string(g.entity), ability).Inc()
		return &AuthorizationError{Ability: ability, Entity: g.entity}
	}
	return nil
}

// AuthorizeInstance fails with *AuthorizationError unless the actor has
// ability on rec.
func (g *Gate) AuthorizeInstance(ctx context.Context, ability string, entity EntityType, rec Record) error {
	ok, err := g.authz.Can(ctx, g.actor, ability, Subject{Type: entity, Record: rec})
	if err != nil {
		return err
	}
	if !ok {
		metrics.AuthorizationDenials.WithLabelValues(string(entity), ability).Inc()
		return &AuthorizationError{Ability: ability, Entity: entity}
	}
	return nil
}

// Allows is the non-fatal check used for controls and actions. Errors count
// as a denial.
func (g *Gate) Allows(ctx context.Context, ability string, rec Record) bool {
	ok, err := g.authz.Can(ctx, g.actor, ability, Subject{Type: g.entity, Record: rec})
	if err != nil {
		g.logger.Warn("authorization check failed",
			zap.String("ability", ability),
			zap.Bool("instance", rec != nil),
			zap.Error(err))
		return false
	}
	if !ok {
		g.logger.Debug("ability denied", zap.String("ability", ability), zap.Bool("instance", rec != nil))
	}
	return ok
}

// Actor returns the actor the gate checks for.
func (g *Gate) Actor() Actor { return g.actor }
