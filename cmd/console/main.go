package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-console/internal/api"
	"github.com/odyssey-erp/odyssey-console/internal/app"
	"github.com/odyssey-erp/odyssey-console/internal/auth"
	"github.com/odyssey-erp/odyssey-console/internal/observability"
	"github.com/odyssey-erp/odyssey-console/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-console/internal/platform/db"
	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/resources"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
	"github.com/odyssey-erp/odyssey-console/jobs"
)

const sweepInterval = time.Minute

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, ApplicationName: "odyssey-console"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "console_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()
	rbacService := rbac.NewService(dbpool)

	backend, err := newTransport(cfg, dbpool, logger)
	if err != nil {
		logger.Error("configure transport", slog.Any("error", err))
		os.Exit(1)
	}

	broadcaster := query.NewBroadcaster(redisClient, cfg.BroadcastChannel, logger)
	queryMetrics := query.NewMetrics(metrics.Registerer())
	registry := session.NewRegistry(session.Config{
		Transport: backend,
		Cache: query.Config{
			StaleAfter:        cfg.CacheStaleAfter,
			MaxEntriesPerKind: cfg.CacheMaxEntriesPerKind,
			Logger:            logger,
			Metrics:           queryMetrics,
		},
		Client: query.ClientConfig{
			SearchDebounce: cfg.SearchDebounce,
			Metrics:        queryMetrics,
			Logger:         logger,
		},
		Publisher: broadcaster,
		Catalog:   rbacService,
		Logger:    logger,
	})
	metrics.TrackWorkspaces(registry.Len)
	defer registry.Stop()
	if err := registry.LoadCatalog(ctx, rbacService); err != nil {
		// Sessions report loading until the background retry succeeds.
		logger.Warn("load permission catalog", slog.Any("error", err))
	}
	if err := broadcaster.Listen(ctx, registry); err != nil {
		logger.Error("subscribe invalidations", slog.Any("error", err))
		os.Exit(1)
	}
	go sweepIdle(ctx, registry, cfg.SessionIdleTimeout, logger)

	inferer := rbac.NewInferer()
	if cfg.RouteOverridesFile != "" {
		if err := loadOverrides(inferer, cfg.RouteOverridesFile); err != nil {
			logger.Error("load route overrides", slog.Any("error", err))
			os.Exit(1)
		}
	}
	gate := rbac.NewGate(inferer, rbac.GateConfig{LoginPath: cfg.LoginPath, FallbackPath: cfg.FallbackPath})

	authService := auth.NewService(auth.NewRepository(dbpool), rbacService)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager, registry)
	apiHandler := api.NewHandler(logger, gate, shared.NewAuditLogger(dbpool))

	asynqOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(asynqOpts)
	if err != nil {
		logger.Error("job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynqOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	permissionsHandler := rbac.NewPermissionsHandler(logger, rbacService, session.StateFromContext, gate).
		WithRefresher(jobClient)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		Registry:           registry,
		Loader:             authService.Loader,
		AuthHandler:        authHandler,
		APIHandler:         apiHandler,
		PermissionsHandler: permissionsHandler,
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Ready: map[string]app.ReadyFunc{
			"postgres": dbpool.Ping,
			"redis":    cache.Ping(redisClient),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("transport", cfg.TransportMode),
			slog.String("version", app.Version()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func newTransport(cfg *app.Config, pool *pgxpool.Pool, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.TransportMode {
	case app.TransportREST:
		var token transport.TokenSource
		if cfg.TransportToken != "" {
			static := cfg.TransportToken
			token = func(context.Context) (string, error) { return static, nil }
		}
		return transport.NewRESTClient(cfg.TransportBaseURL, token), nil
	case app.TransportPostgres:
		return resources.NewStore(pool, logger), nil
	default:
		return nil, errors.New("unknown transport mode " + cfg.TransportMode)
	}
}

func loadOverrides(inferer *rbac.Inferer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return inferer.LoadOverrides(f)
}

// sweepIdle closes workspaces whose sessions went quiet, releasing their
// caches. The redis session itself lives on until its own TTL.
func sweepIdle(ctx context.Context, registry *session.Registry, maxIdle time.Duration, logger *slog.Logger) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Sweep(maxIdle); n > 0 {
				logger.Debug("closed idle workspaces", slog.Int("count", n))
			}
		}
	}
}
