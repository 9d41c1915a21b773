package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
)

// StateFunc resolves the session state for a request context.
type StateFunc func(ctx context.Context) SessionState

// RouteFunc maps a request to the console path whose permission gates it,
// plus any explicit permissions required on top of it.
type RouteFunc func(r *http.Request) (path string, explicit []string)

// Middleware wires gate decisions into HTTP handlers. Since a JSON client
// cannot follow a console redirect, decisions map to status codes: loading
// is 503, unauthenticated is 401 and denied is 403.
type Middleware struct {
	Gate   *Gate
	State  StateFunc
	Logger *slog.Logger
}

// RequireRoute gates the handler by the permission inferred from the console
// path returned by route, combined with its explicit permissions.
func (m Middleware) RequireRoute(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path, explicit := route(r)
			decision := m.Gate.CanNavigate(m.State(r.Context()), path, normalizePermissions(explicit))
			if decision.Allowed() {
				next.ServeHTTP(w, r)
				return
			}
			m.reject(w, r, decision)
		})
	}
}

// RequireAny ensures the current actor has at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), false)
}

// RequireAll ensures the current actor has all of the permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), true)
}

func (m Middleware) require(perms []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := m.State(r.Context())
			if !state.AuthLoading && state.Actor == nil {
				m.reject(w, r, Decision{Status: StatusRedirect, Reason: ReasonUnauthenticated, Target: m.Gate.LoginPath()})
				return
			}
			d := m.Gate.Render(state, perms, all)
			switch {
			case d.Loading:
				m.reject(w, r, Decision{Status: StatusLoading})
			case d.Allowed:
				next.ServeHTTP(w, r)
			default:
				m.reject(w, r, Decision{Status: StatusRedirect, Reason: ReasonDenied})
			}
		})
	}
}

func (m Middleware) reject(w http.ResponseWriter, r *http.Request, d Decision) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case d.Status == StatusLoading:
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Loading", "permissions not resolved")
	case d.Reason == ReasonUnauthenticated:
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", d.Target)
	default:
		logger.Debug("rbac denied", slog.String("path", r.URL.Path), slog.String("slug", d.Slug))
		httpx.Problem(w, http.StatusForbidden, "Forbidden", d.Slug)
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = NormalizeSlug(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

// ResourceRoute maps a REST call under prefix onto the console route that
// performs the same action: GET keeps the path, POST targets ".../create",
// PUT and PATCH target ".../edit" and DELETE requires the destroy slug on top
// of list access.
func ResourceRoute(prefix string) RouteFunc {
	return func(r *http.Request) (string, []string) {
		segments := splitPath(strings.TrimPrefix(r.URL.Path, prefix))
		if len(segments) == 0 {
			return "/", nil
		}
		path := "/" + strings.Join(segments, "/")
		switch r.Method {
		case http.MethodPost:
			return path + "/" + tokenCreate, nil
		case http.MethodPut, http.MethodPatch:
			return path + "/" + tokenEdit, nil
		case http.MethodDelete:
			return "/" + segments[0], []string{DestroySlug(segments[0])}
		default:
			return path, nil
		}
	}
}

// DestroySlug returns the delete permission for a resource collection.
func DestroySlug(resource string) string {
	return singular(strings.Trim(resource, "/")) + "-destroy"
}
