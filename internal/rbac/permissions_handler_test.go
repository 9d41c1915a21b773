package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog []Permission

func (c staticCatalog) ListPermissions(context.Context) ([]Permission, error) { return c, nil }

type refreshRecorder struct{ reasons []string }

func (r *refreshRecorder) RequestRefresh(_ context.Context, reason string) error {
	r.reasons = append(r.reasons, reason)
	return nil
}

func permissionsRouter(state SessionState, refresh Refresher) http.Handler {
	h := NewPermissionsHandler(nil, staticCatalog{{Slug: "user-index"}}, func(context.Context) SessionState { return state }, NewGate(nil, GateConfig{}))
	if refresh != nil {
		h.WithRefresher(refresh)
	}
	r := chi.NewRouter()
	r.Route("/permissions", h.MountRoutes)
	return r
}

func TestPermissionsMine(t *testing.T) {
	rr := httptest.NewRecorder()
	permissionsRouter(resolvedState("user-index"), nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/mine", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"resolved":true,"slugs":["user-index"]}`, rr.Body.String())

	rr = httptest.NewRecorder()
	permissionsRouter(SessionState{}, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/mine", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPermissionsRefresh(t *testing.T) {
	rec := &refreshRecorder{}

	rr := httptest.NewRecorder()
	permissionsRouter(resolvedState("user-index"), rec).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/permissions/refresh", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, rec.reasons)

	rr = httptest.NewRecorder()
	permissionsRouter(resolvedState(RefreshPermission), rec).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/permissions/refresh", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"manual:admin@odyssey.local"}, rec.reasons)

	rr = httptest.NewRecorder()
	permissionsRouter(resolvedState(RefreshPermission), nil).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/permissions/refresh", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPermissionsCatalogIsGated(t *testing.T) {
	cases := []struct {
		name  string
		state SessionState
		code  int
	}{
		{"anonymous", SessionState{}, http.StatusUnauthorized},
		{"without permission", resolvedState("user-index"), http.StatusForbidden},
		{"unresolved", SessionState{Actor: &Actor{ID: 1}}, http.StatusServiceUnavailable},
		{"allowed", resolvedState(CatalogPermission), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			permissionsRouter(tc.state, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/permissions/catalog", nil))
			assert.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Contains(t, rr.Body.String(), `"slug":"user-index"`)
			} else {
				assert.NotContains(t, rr.Body.String(), "user-index")
			}
		})
	}
}
