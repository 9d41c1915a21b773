package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
)

// PermissionsHandler exposes the catalog and the current actor's
// effective slugs.
type PermissionsHandler struct {
	logger  *slog.Logger
	catalog CatalogFetcher
	state   StateFunc
	refresh Refresher
	guard   Middleware
}

// Refresher schedules an asynchronous catalog refresh.
type Refresher interface {
	RequestRefresh(ctx context.Context, reason string) error
}

const (
	// CatalogPermission is required to read the permission catalog; it is
	// the slug route inference gives /permissions.
	CatalogPermission = "permission-index"
	// RefreshPermission is required to trigger a catalog refresh by hand.
	RefreshPermission = "permission-update"
)

// WithRefresher enables POST /refresh, gated on RefreshPermission.
func (h *PermissionsHandler) WithRefresher(refresh Refresher) *PermissionsHandler {
	h.refresh = refresh
	return h
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, catalog CatalogFetcher, state StateFunc, gate *Gate) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{
		logger:  logger,
		catalog: catalog,
		state:   state,
		guard:   Middleware{Gate: gate, State: state, Logger: logger},
	}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/mine", h.mine)
	r.With(h.guard.RequireAny(CatalogPermission)).Get("/catalog", h.listCatalog)
	if h.refresh != nil {
		r.With(h.guard.RequireAll(RefreshPermission)).Post("/refresh", h.requestRefresh)
	}
}

type effectivePermissions struct {
	Resolved bool     `json:"resolved"`
	Slugs    []string `json:"slugs"`
}

func (h *PermissionsHandler) mine(w http.ResponseWriter, r *http.Request) {
	state := h.state(r.Context())
	if state.Actor == nil && !state.AuthLoading {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, effectivePermissions{
		Resolved: state.PermissionsResolved,
		Slugs:    state.Permissions.Slugs(),
	})
}

func (h *PermissionsHandler) listCatalog(w http.ResponseWriter, r *http.Request) {
	perms, err := h.catalog.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permission catalog", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *PermissionsHandler) requestRefresh(w http.ResponseWriter, r *http.Request) {
	reason := "manual"
	if actor := h.state(r.Context()).Actor; actor != nil {
		reason = "manual:" + actor.Email
	}
	if err := h.refresh.RequestRefresh(r.Context(), reason); err != nil {
		h.logger.Error("request catalog refresh", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
