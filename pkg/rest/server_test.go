package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/edgeflare/pgtable/pkg/httputil"
	"github.com/edgeflare/pgtable/pkg/httputil/middleware"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/edgeflare/pgtable/pkg/table/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var alice = table.Actor{ID: "alice", Roles: []string{"sales"}}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New("id")
	s.Define("orders", "name", "status")
	statuses := []string{"open", "closed", "open", "closed", "open", "closed"}
	for i, st := range statuses {
		require.NoError(t, s.Insert("orders", table.Record{
			"id":     int64(i + 1),
			"name":   fmt.Sprintf("order-%d", i+1),
			"status": st,
		}))
	}
	s.Define("customers", "name")
	return s
}

type recorder struct {
	mu     sync.Mutex
	events []*table.ResponseReady
}

func (r *recorder) Publish(_ context.Context, ev *table.ResponseReady) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) published() []*table.ResponseReady {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// withActor puts alice on every request unless the X-Anonymous header is set.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Anonymous") == "" {
			r = r.WithContext(httputil.WithActor(r.Context(), alice))
		}
		next.ServeHTTP(w, r)
	})
}

type fixture struct {
	server *httptest.Server
	pub    *recorder
}

func setup(t *testing.T, authz table.Authorizer, opts ...Option) *fixture {
	t.Helper()
	store := newStore(t)
	pub := &recorder{}

	s := NewServer(append([]Option{WithBaseURL("/api")}, opts...)...)
	orders, err := table.New("orders",
		table.WithStore(store),
		table.WithAuthorizer(authz),
		table.WithPublisher(pub),
		table.WithCapabilities(table.NewCapabilities().
			Control("export", func(context.Context, table.Actor) (bool, error) { return true, nil })),
	)
	require.NoError(t, err)
	customers, err := table.New("customers", table.WithStore(store), table.WithAuthorizer(authz))
	require.NoError(t, err)
	require.NoError(t, s.Register(orders))
	require.NoError(t, s.Register(customers))
	assert.Error(t, s.Register(orders))

	router := httputil.NewRouter()
	router.Use(middleware.RequestID, withActor)
	s.Mount(router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &fixture{server: ts, pub: pub}
}

func allowAll() table.Authorizer {
	return table.AuthorizerFunc(func(context.Context, table.Actor, string, table.Subject) (bool, error) {
		return true, nil
	})
}

func (f *fixture) post(t *testing.T, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHandleTable(t *testing.T) {
	f := setup(t, allowAll())

	resp := f.post(t, "/api/tables/orders", `{
		"filter": {"status": "closed"},
		"columns": ["#", "name"],
		"controls": ["export"],
		"order": {"id": -1},
		"page": 1,
		"perPage": 2
	}`, "X-Request-Id", "req-42")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "6", resp.Header.Get(HeaderTotalCount))
	assert.Equal(t, "3", resp.Header.Get(HeaderFilteredCount))
	assert.Equal(t, "2", resp.Header.Get(HeaderPageCount))

	var env table.Envelope
	decode(t, resp, &env)
	assert.Equal(t, []string{"export"}, env.Controls)
	assert.Equal(t, table.Counts{Total: 6, Filtered: 3}, env.Counts)
	assert.Equal(t, 2, env.Pages.Total)
	assert.Equal(t, []any{float64(6), float64(4), float64(2)}, env.FilteredKeys)
	require.Len(t, env.Rows, 2)
	assert.Equal(t, map[string]any{"#": float64(1), "id": float64(6), "name": "order-6"}, env.Rows[0].Row)
	assert.Equal(t, "order-4", env.Rows[1].Row["name"])

	events := f.pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, "alice", events[0].ActorID)
}

func TestHandleTableHeadersOnly(t *testing.T) {
	f := setup(t, allowAll())

	resp := f.post(t, "/api/tables/orders", `{"perPage": 4}`, "Prefer", "return=headers-only")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "return=headers-only", resp.Header.Get("Preference-Applied"))
	assert.Equal(t, "6", resp.Header.Get(HeaderTotalCount))
	assert.Equal(t, "2", resp.Header.Get(HeaderPageCount))
	assert.Zero(t, resp.ContentLength)
}

func TestHandleTableErrors(t *testing.T) {
	denyViewAny := table.AuthorizerFunc(func(_ context.Context, _ table.Actor, ability string, _ table.Subject) (bool, error) {
		return ability != table.AbilityViewAny, nil
	})
	failing := table.AuthorizerFunc(func(context.Context, table.Actor, string, table.Subject) (bool, error) {
		return false, errors.New("policy store unavailable")
	})

	tests := []struct {
		name       string
		authz      table.Authorizer
		path       string
		body       string
		header     []string
		wantStatus int
		wantMsg    string
	}{
		{"unknown table", allowAll(), "/api/tables/invoices", `{}`, nil, http.StatusNotFound, "table invoices not found"},
		{"no actor", allowAll(), "/api/tables/orders", `{}`, []string{"X-Anonymous", "1"}, http.StatusUnauthorized, "unauthenticated"},
		{"invalid json", allowAll(), "/api/tables/orders", `{"page":`, nil, http.StatusBadRequest, "invalid table request"},
		{"invalid page", allowAll(), "/api/tables/orders", `{"page": 0}`, nil, http.StatusBadRequest, "invalid table request"},
		{"forbidden", denyViewAny, "/api/tables/orders", `{}`, nil, http.StatusForbidden, `table: forbidden: "viewAny" on "orders"`},
		{"authorizer failure", failing, "/api/tables/orders", `{}`, nil, http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.authz)
			resp := f.post(t, tt.path, tt.body, tt.header...)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body httputil.ErrorResponse
			decode(t, resp, &body)
			assert.Equal(t, tt.wantStatus, body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
			assert.Empty(t, f.pub.published())
		})
	}
}

func TestHandleTableValidationDetails(t *testing.T) {
	f := setup(t, allowAll())

	resp := f.post(t, "/api/tables/orders", `{"page": 0, "perPage": "many"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Details []table.Violation `json:"details"`
	}
	decode(t, resp, &body)
	assert.ElementsMatch(t, []table.Violation{
		{Field: "page", Message: "must be at least 1"},
		{Field: "perPage", Message: "must be an integer"},
	}, body.Details)
}

func TestHandleTableBodyTooLarge(t *testing.T) {
	f := setup(t, allowAll(), WithMaxBodyBytes(8))

	resp := f.post(t, "/api/tables/orders", `{"freeSearch": "a long search string"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandleTableLogsInternalErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	failing := table.AuthorizerFunc(func(context.Context, table.Actor, string, table.Subject) (bool, error) {
		return false, errors.New("policy store unavailable")
	})
	f := setup(t, failing, WithLogger(zap.New(core)))

	resp := f.post(t, "/api/tables/orders", `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, 1, logs.FilterMessage("table request failed").Len())
	entry := logs.FilterMessage("table request failed").All()[0]
	assert.Equal(t, "/api/tables/orders", entry.ContextMap()["path"])
	assert.NotEmpty(t, entry.ContextMap()["req_id"])
}

func TestListAndDescribe(t *testing.T) {
	f := setup(t, allowAll())

	resp, err := http.Get(f.server.URL + "/api/tables")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Tables []TableInfo `json:"tables"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Tables, 2)
	assert.Equal(t, table.EntityType("customers"), list.Tables[0].Entity)
	assert.Equal(t, TableInfo{Entity: "orders", PrimaryKey: "id", Overrides: []string{"control_export"}}, list.Tables[1])

	resp, err = http.Get(f.server.URL + "/api/tables/customers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info TableInfo
	decode(t, resp, &info)
	assert.Equal(t, TableInfo{Entity: "customers", PrimaryKey: "id", Overrides: []string{}}, info)

	resp, err = http.Get(f.server.URL + "/api/tables/invoices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleTableUnsupportedPrefer(t *testing.T) {
	f := setup(t, allowAll())

	resp := f.post(t, "/api/tables/orders", `{"perPage": 4}`, "Prefer", "return=bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Details []table.Violation `json:"details"`
	}
	decode(t, resp, &body)
	assert.Equal(t, []table.Violation{
		{Field: "Prefer", Message: `unsupported return preference "bogus"`},
	}, body.Details)
	assert.Empty(t, f.pub.published())
}

func TestParsePrefer(t *testing.T) {
	tests := []struct {
		header  string
		want    *Prefer
		wantErr bool
	}{
		{header: "", want: nil},
		{header: "return=headers-only", want: &Prefer{Return: "headers-only"}},
		{header: `Return="HEADERS-ONLY", handling=strict`, want: &Prefer{Return: "headers-only"}},
		{header: "return=representation", want: &Prefer{Return: "representation"}},
		{header: "respond-async", want: &Prefer{Return: "representation"}},
		{header: "return=minimal", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				r.Header.Set("Prefer", tt.header)
			}
			got, err := parsePrefer(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, table.ErrValidation)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
