package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/pgtable/pkg/httputil"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

func TestActorFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		path   string
		want   []string
	}{
		{"simple path", map[string]any{"role": "admin"}, "role", []string{"admin"}},
		{"space separated", map[string]any{"scope": "read write"}, "scope", []string{"read", "write"}},
		{"nested array", map[string]any{"realm_access": map[string]any{"roles": []any{"sales", "admin"}}}, "realm_access.roles", []string{"sales", "admin"}},
		{"initial dot", map[string]any{"user": map[string]any{"role": "admin"}}, ".user.role", []string{"admin"}},
		{"array index", map[string]any{"roles": []any{"admin", "user"}}, "roles.0", []string{"admin"}},
		{"non string", map[string]any{"role": 123}, "role", nil},
		{"missing", map[string]any{"role": "admin"}, "groups", nil},
		{"no claim configured", map[string]any{"role": "admin"}, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := &oidc.IntrospectionResponse{Active: true, Subject: "alice", Claims: tt.claims}
			actor := actorFromClaims(user, tt.path)
			assert.Equal(t, "alice", actor.ID)
			assert.Equal(t, tt.want, actor.Roles)
			assert.Equal(t, "alice", actor.Attributes["sub"])
		})
	}
}

func TestActorMiddleware(t *testing.T) {
	opts := ActorOptions{
		RolesClaim:     "roles",
		BasicAuthRoles: map[string][]string{"ops": {"admin"}},
	}

	serve := func(opts ActorOptions, ctx context.Context) (table.Actor, bool) {
		var got table.Actor
		var ok bool
		h := Actor(opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok = httputil.Actor(r)
		}))
		req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
		h.ServeHTTP(httptest.NewRecorder(), req)
		return got, ok
	}

	t.Run("oidc user", func(t *testing.T) {
		user := &oidc.IntrospectionResponse{Active: true, Subject: "alice", Claims: map[string]any{"roles": []any{"sales"}}}
		actor, ok := serve(opts, context.WithValue(context.Background(), httputil.OIDCUserCtxKey, user))
		require.True(t, ok)
		assert.Equal(t, "alice", actor.ID)
		assert.Equal(t, []string{"sales"}, actor.Roles)
	})

	t.Run("basic auth user", func(t *testing.T) {
		actor, ok := serve(opts, context.WithValue(context.Background(), httputil.BasicAuthCtxKey, "ops"))
		require.True(t, ok)
		assert.Equal(t, table.Actor{ID: "ops", Roles: []string{"admin"}}, actor)
	})

	t.Run("anonymous", func(t *testing.T) {
		anon := opts
		anon.AnonymousID = "anon"
		anon.AnonymousRoles = []string{"guest"}
		actor, ok := serve(anon, context.Background())
		require.True(t, ok)
		assert.Equal(t, table.Actor{ID: "anon", Roles: []string{"guest"}}, actor)
	})

	t.Run("nobody", func(t *testing.T) {
		_, ok := serve(opts, context.Background())
		assert.False(t, ok)
	})
}
