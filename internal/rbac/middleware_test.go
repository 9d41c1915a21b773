package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(state SessionState) http.Handler {
	m := Middleware{
		Gate:  NewGate(nil, GateConfig{}),
		State: func(context.Context) SessionState { return state },
	}
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	r := chi.NewRouter()
	r.Route("/api/resources", func(r chi.Router) {
		r.Use(m.RequireRoute(ResourceRoute("/api/resources")))
		r.Get("/{kind}", ok)
		r.Post("/{kind}", ok)
		r.Get("/{kind}/{id}", ok)
		r.Put("/{kind}/{id}", ok)
		r.Delete("/{kind}/{id}", ok)
	})
	r.With(m.RequireAll("report-export", "report-index")).Get("/reports/export", ok)
	return r
}

func TestMiddlewareResourceRoutes(t *testing.T) {
	handler := newTestRouter(resolvedState("user-index", "user-show", "user-store", "role-index"))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/resources/users", http.StatusNoContent},
		{http.MethodGet, "/api/resources/users/4", http.StatusNoContent},
		{http.MethodPost, "/api/resources/users", http.StatusNoContent},
		{http.MethodPut, "/api/resources/users/4", http.StatusForbidden},
		{http.MethodDelete, "/api/resources/users/4", http.StatusForbidden},
		{http.MethodPost, "/api/resources/roles", http.StatusForbidden},
		{http.MethodGet, "/reports/export", http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestMiddlewareStatusMapping(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(SessionState{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/resources/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	newTestRouter(SessionState{AuthLoading: true}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/resources/users", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	newTestRouter(SessionState{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/reports/export", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestResourceRouteDeleteRequiresDestroy(t *testing.T) {
	route := ResourceRoute("/api/resources")
	path, explicit := route(httptest.NewRequest(http.MethodDelete, "/api/resources/media/9", nil))
	assert.Equal(t, "/media", path)
	assert.Equal(t, []string{"media-destroy"}, explicit)

	handler := newTestRouter(resolvedState("user-index", "user-destroy"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/resources/users/4", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
