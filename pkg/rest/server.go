package rest

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	"github.com/edgeflare/pgtable/pkg/httputil"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes limits the size of a table request document.
const DefaultMaxBodyBytes = 1 << 20

type Server struct {
	mu        sync.RWMutex
	endpoints map[table.EntityType]*table.Endpoint
	baseURL   string
	maxBody   int64
	logger    *zap.Logger
}

type Option func(*Server)

// WithBaseURL prefixes every route, e.g. "/api".
func WithBaseURL(baseURL string) Option {
	return func(s *Server) { s.baseURL = baseURL }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		endpoints: make(map[table.EntityType]*table.Endpoint),
		maxBody:   DefaultMaxBodyBytes,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes ep under its entity type.
func (s *Server) Register(ep *table.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.Entity()]; ok {
		return fmt.Errorf("rest: entity type %q already registered", ep.Entity())
	}
	s.endpoints[ep.Entity()] = ep
	return nil
}

// Mount registers the routes on r. Middleware must be added to r beforehand.
func (s *Server) Mount(r *httputil.Router) {
	g := r.Group(s.baseURL)
	g.Handle("GET /tables", http.HandlerFunc(s.handleList))
	g.Handle("GET /tables/{entity}", http.HandlerFunc(s.handleDescribe))
	g.Handle("POST /tables/{entity}", http.HandlerFunc(s.handleTable))
}

func (s *Server) endpoint(entity string) (*table.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[table.EntityType(entity)]
	return ep, ok
}

// TableInfo describes a registered entity type.
type TableInfo struct {
	Entity     table.EntityType `json:"entity"`
	PrimaryKey string           `json:"primaryKey"`
	Overrides  []string         `json:"overrides"`
}

func describe(ep *table.Endpoint) TableInfo {
	overrides := ep.Overrides()
	if overrides == nil {
		overrides = []string{}
	}
	return TableInfo{Entity: ep.Entity(), PrimaryKey: ep.PrimaryKey(), Overrides: overrides}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	tables := make([]TableInfo, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		tables = append(tables, describe(ep))
	}
	s.mu.RUnlock()
	slices.SortFunc(tables, func(a, b TableInfo) int { return cmp.Compare(a.Entity, b.Entity) })
	httputil.JSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoint(r.PathValue("entity"))
	if !ok {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("table %s not found", r.PathValue("entity")))
		return
	}
	httputil.JSON(w, http.StatusOK, describe(ep))
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	ep, ok := s.endpoint(entity)
	if !ok {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("table %s not found", entity))
		return
	}

	actor, ok := httputil.Actor(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var mberr *http.MaxBytesError
		if errors.As(err, &mberr) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	prefer, err := parsePrefer(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req, err := table.ParseRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := table.WithRequestID(r.Context(), httputil.RequestID(r))
	env, err := ep.Handle(ctx, actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setCountHeaders(w.Header(), env)
	if prefer.WantsHeadersOnly() {
		w.Header().Set("Preference-Applied", "return=headers-only")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.JSON(w, http.StatusOK, env)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *table.ValidationError
		aerr *table.AuthorizationError
	)
	switch {
	case errors.As(err, &verr):
		httputil.Error(w, http.StatusBadRequest, "invalid table request", verr.Violations)
	case errors.As(err, &aerr):
		httputil.Error(w, http.StatusForbidden, aerr.Error())
	case errors.Is(err, table.ErrUnknownEntity):
		httputil.Error(w, http.StatusNotFound, "table not found")
	default:
		s.logger.Error("table request failed",
			zap.String("path", r.URL.Path),
			zap.String("req_id", httputil.RequestID(r)),
			zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
	}
}
