package middleware

import (
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/edgeflare/pgtable/pkg/httputil"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/tidwall/gjson"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// ActorOptions configures how the authenticated principal becomes a
// table.Actor.
type ActorOptions struct {
	// RolesClaim is a gjson path into the token claims, e.g.
	// "realm_access.roles" or "role". Arrays and space separated strings are
	// both accepted.
	RolesClaim string `mapstructure:"rolesClaim"`
	// BasicAuthRoles maps basic auth users to roles.
	BasicAuthRoles map[string][]string `mapstructure:"basicAuthRoles"`
	// AnonymousID, when set, is the actor of unauthenticated requests.
	AnonymousID    string   `mapstructure:"anonymousID"`
	AnonymousRoles []string `mapstructure:"anonymousRoles"`
}

// Actor resolves the actor from an OIDC user, then a basic auth user, then
// the anonymous actor. Without any of them the request continues with no
// actor in its context.
func Actor(opts ActorOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := resolveActor(r, opts)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(httputil.WithActor(r.Context(), actor)))
		})
	}
}

func resolveActor(r *http.Request, opts ActorOptions) (table.Actor, bool) {
	if user, ok := httputil.OIDCUser(r); ok && user.Active {
		return actorFromClaims(user, opts.RolesClaim), true
	}
	if user, ok := httputil.BasicAuthUser(r); ok && user != "" {
		return table.Actor{ID: user, Roles: opts.BasicAuthRoles[user]}, true
	}
	if opts.AnonymousID != "" {
		return table.Actor{ID: opts.AnonymousID, Roles: opts.AnonymousRoles}, true
	}
	return table.Actor{}, false
}

func actorFromClaims(user *oidc.IntrospectionResponse, rolesClaim string) table.Actor {
	claims := make(map[string]any, len(user.Claims)+3)
	maps.Copy(claims, user.Claims)
	claims["sub"] = user.Subject
	if user.Username != "" {
		claims["username"] = user.Username
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}

	actor := table.Actor{ID: user.Subject, Attributes: claims}
	if rolesClaim == "" {
		return actor
	}
	doc, err := json.Marshal(claims)
	if err != nil {
		return actor
	}
	actor.Roles = rolesFrom(gjson.GetBytes(doc, strings.TrimPrefix(rolesClaim, ".")))
	return actor
}

func rolesFrom(res gjson.Result) []string {
	var roles []string
	switch {
	case res.IsArray():
		for _, v := range res.Array() {
			if s := v.String(); s != "" {
				roles = append(roles, s)
			}
		}
	case res.Type == gjson.String:
		roles = strings.Fields(res.String())
	}
	return roles
}
