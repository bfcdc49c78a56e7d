package pgtable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/pgtable/pkg/config"
	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/httputil"
	mw "github.com/edgeflare/pgtable/pkg/httputil/middleware"
	"github.com/edgeflare/pgtable/pkg/metrics"
	pg "github.com/edgeflare/pgtable/pkg/pgx"
	"github.com/edgeflare/pgtable/pkg/pgx/schema"
	"github.com/edgeflare/pgtable/pkg/pgx/store"
	"github.com/edgeflare/pgtable/pkg/policy"
	"github.com/edgeflare/pgtable/pkg/rest"
	"github.com/edgeflare/pgtable/pkg/table"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Register built-in connectors
	_ "github.com/edgeflare/pgtable/pkg/events/clickhouse"
	_ "github.com/edgeflare/pgtable/pkg/events/debug"
	_ "github.com/edgeflare/pgtable/pkg/events/kafka"
	_ "github.com/edgeflare/pgtable/pkg/events/mqtt"
	_ "github.com/edgeflare/pgtable/pkg/events/nats"
	_ "github.com/edgeflare/pgtable/pkg/events/webhook"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the table API server",
	Long:    `Serves table requests for the configured PostgreSQL tables over HTTP`,
	RunE:    runServe,
}

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List the notification connectors",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range events.Connectors() {
			fmt.Println(name)
		}
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringP("rest.pg.connString", "c", "", "PostgreSQL connection string")
	f.StringP("rest.listenAddr", "l", "", "REST server listen address")
	f.String("rest.baseURL", "", "Base URL for API endpoints")
	f.String("rest.oidc.clientID", "", "OIDC client ID")
	f.String("rest.oidc.clientSecret", "", "OIDC client secret")
	f.String("rest.oidc.issuer", "", "OIDC issuer URL")
	f.String("rest.actor.rolesClaim", "", "Claim path holding the actor roles")
	f.String("rest.actor.anonymousID", "", "Actor id of unauthenticated requests")
	f.Bool("metrics.enabled", false, "Serve Prometheus metrics")
	f.String("metrics.addr", "", "Prometheus metrics listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.REST.PG.ConnString == "" {
		return errors.New("PostgreSQL connection string required")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}

	pool, err := pg.Connect(ctx, pg.PoolConfig{
		ConnString:   cfg.REST.PG.ConnString,
		MaxRetryTime: cfg.REST.PG.MaxRetryTime,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	cache := schema.NewCache(pool, schema.WithSchemas(cfg.REST.PG.Schemas...), schema.WithLogger(logger))
	if cfg.REST.PG.WatchSchema {
		if err := cache.Init(ctx); err != nil {
			return fmt.Errorf("schema cache: %w", err)
		}
		defer cache.Close()
		go logSchemaReloads(ctx, cache, logger)
	} else if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("schema cache: %w", err)
	}

	authz, err := policy.New(cfg.Policy.Rules, policy.WithLogger(logger))
	if err != nil {
		return err
	}

	publisher, closePublisher, err := openPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	endpoints, err := buildEndpoints(cfg.Tables, endpointDeps{
		store: store.New(pool, cache,
			store.WithLogger(logger),
			store.WithPrimaryKeys(primaryKeys(cfg.Tables)),
		),
		catalog:   cache,
		authz:     authz,
		publisher: publisher,
		logger:    logger,
	})
	if err != nil {
		return err
	}

	server := rest.NewServer(
		rest.WithBaseURL(cfg.REST.BaseURL),
		rest.WithLogger(logger),
		rest.WithMaxBodyBytes(cfg.REST.MaxBodyBytes),
	)
	for _, ep := range endpoints {
		if err := server.Register(ep); err != nil {
			return err
		}
		logger.Info("table exposed", zap.String("entity", string(ep.Entity())), zap.String("primaryKey", ep.PrimaryKey()))
	}

	router, err := newRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	router.Handle("GET /healthz", healthz(pool))
	server.Mount(router)

	errChan := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.REST.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received termination signal, shutting down gracefully")
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("server gracefully stopped")
	return nil
}

// newRouter installs the middleware chain. Authentication middleware only
// records who the caller is; the actor middleware turns that into a
// table.Actor and rest rejects requests without one.
func newRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*httputil.Router, error) {
	opts := []httputil.RouterOptions{
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = 5 * time.Second
		}),
	}
	if cfg.REST.TLS.Enabled {
		opts = append(opts, httputil.WithTLS(cfg.REST.TLS.CertFile, cfg.REST.TLS.KeyFile))
	}
	router := httputil.NewRouter(opts...)

	router.Use(mw.RequestID)
	if cfg.REST.CORS.Enabled {
		router.Use(mw.CORSWithOptions(corsOptions(cfg.REST.CORS)))
	}
	if cfg.Log.Level != "none" {
		router.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}))
	}

	if cfg.REST.OIDC.Enabled() {
		provider, err := mw.NewOIDCProvider(ctx, mw.OIDCProviderConfig{
			ClientID:     cfg.REST.OIDC.ClientID,
			ClientSecret: cfg.REST.OIDC.ClientSecret,
			Issuer:       cfg.REST.OIDC.Issuer,
			CacheTTL:     cfg.REST.OIDC.CacheTTL,
		})
		if err != nil {
			return nil, err
		}
		router.Use(mw.VerifyOIDCToken(provider, false))
	}
	if len(cfg.REST.BasicAuth) > 0 {
		router.Use(mw.VerifyBasicAuth(&mw.BasicAuthConfig{
			Credentials: cfg.REST.BasicAuth,
			Optional:    cfg.REST.OIDC.Enabled() || cfg.REST.Actor.AnonymousID != "",
		}))
	}
	router.Use(mw.Actor(cfg.REST.Actor))
	return router, nil
}

func corsOptions(c config.CORSConfig) *mw.CORSOptions {
	if len(c.AllowedOrigins) == 0 && len(c.AllowedHeaders) == 0 && !c.AllowCredentials {
		return nil
	}
	headers := c.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "Prefer", mw.RequestIDHeader}
	}
	return &mw.CORSOptions{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   headers,
		ExposedHeaders:   []string{mw.RequestIDHeader, rest.HeaderTotalCount, rest.HeaderFilteredCount, rest.HeaderPageCount},
		AllowCredentials: c.AllowCredentials,
	}
}

// openPublisher connects the configured sinks. With a buffer, delivery is
// asynchronous. The returned func closes everything that was opened.
func openPublisher(ctx context.Context, c config.EventsConfig, logger *zap.Logger) (table.Publisher, func(), error) {
	if len(c.Sinks) == 0 {
		return nil, func() {}, nil
	}
	multi, err := events.Open(ctx, c.Sinks, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("events: %w", err)
	}
	closeMulti := func() {
		if err := multi.Close(); err != nil {
			logger.Warn("failed to close sinks", zap.Error(err))
		}
	}
	if c.Buffer == 0 {
		return multi, closeMulti, nil
	}

	async := events.NewAsync(multi,
		events.WithBuffer(c.Buffer),
		events.WithPublishTimeout(c.PublishTimeout),
		events.WithAsyncLogger(logger),
	)
	return async, func() {
		async.Close()
		closeMulti()
	}, nil
}

func logSchemaReloads(ctx context.Context, cache *schema.Cache, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tables := <-cache.Watch():
			logger.Info("schema reloaded", zap.Int("tables", len(tables)))
		}
	}
}

func healthz(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			httputil.Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
