package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-console/internal/api"
	"github.com/odyssey-erp/odyssey-console/internal/auth"
	"github.com/odyssey-erp/odyssey-console/internal/observability"
	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
	"github.com/odyssey-erp/odyssey-console/jobs"
)

// ReadyFunc reports whether a backing service is reachable.
type ReadyFunc func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	SessionManager     *shared.SessionManager
	CSRFManager        *shared.CSRFManager
	Registry           *session.Registry
	Loader             api.LoaderFunc
	AuthHandler        *auth.Handler
	APIHandler         *api.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	Ready              map[string]ReadyFunc
}

// NewRouter constructs the chi.Router with console defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Ready, params.Logger))

	r.Route("/auth", params.AuthHandler.MountRoutes)

	workspaces := api.Workspaces(params.Registry, params.Loader, params.Logger)
	r.Route("/api", func(r chi.Router) {
		r.Use(workspaces)
		params.APIHandler.MountRoutes(r)
	})
	if params.PermissionsHandler != nil {
		r.Route("/permissions", func(r chi.Router) {
			r.Use(workspaces)
			params.PermissionsHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func readiness(checks map[string]ReadyFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		report := readyReport{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				report.Checks[name] = err.Error()
				report.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}
		httpx.JSON(w, status, report)
	}
}
