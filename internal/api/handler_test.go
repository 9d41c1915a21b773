package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

type stubTransport struct {
	mu       sync.Mutex
	lists    int
	total    int
	invalid  *transport.ValidationError
	lastList transport.ListParams
}

func (s *stubTransport) List(_ context.Context, _ string, p transport.ListParams) (transport.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	s.lastList = p
	return transport.ListResult{
		Items: []json.RawMessage{json.RawMessage(`{"id":7,"name":"Anna"}`)},
		Total: s.total, Page: p.Page, PageSize: p.PageSize,
	}, nil
}

func (s *stubTransport) Detail(_ context.Context, _, id string) (json.RawMessage, error) {
	if id == "404" {
		return nil, &transport.TransportError{Kind: "users", Op: "detail", Status: http.StatusNotFound, Err: transport.ErrNotFound}
	}
	return json.RawMessage(`{"id":` + id + `}`), nil
}

func (s *stubTransport) Create(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
	if s.invalid != nil {
		return nil, s.invalid
	}
	return json.RawMessage(`{"id":99,"name":"New"}`), nil
}

func (s *stubTransport) Update(_ context.Context, _, id string, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"id":` + id + `}`), nil
}

func (s *stubTransport) Delete(context.Context, string, string) error { return nil }

func (s *stubTransport) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type harness struct {
	tr     *stubTransport
	audit  *auditRecorder
	ws     *session.Workspace
	router http.Handler
}

func newHarness(t *testing.T, signedIn bool) *harness {
	t.Helper()
	h := &harness{tr: &stubTransport{total: 41}, audit: &auditRecorder{}}
	reg := session.NewRegistry(session.Config{Transport: h.tr})
	reg.SetCatalog([]rbac.Permission{
		{Slug: "user-index"}, {Slug: "user-show"}, {Slug: "user-store"},
		{Slug: "user-update"}, {Slug: "user-destroy"}, {Slug: "role-index"},
	})
	if signedIn {
		ws, err := reg.Open(context.Background(), "sess", func(context.Context) (*rbac.Actor, error) {
			return &rbac.Actor{ID: 5, Email: "editor@test.local", Role: &rbac.Role{ID: 2, Permissions: []rbac.Permission{
				{Slug: "user-index"}, {Slug: "user-show"}, {Slug: "user-store"}, {Slug: "user-update"},
			}}}, nil
		})
		require.NoError(t, err)
		h.ws = ws
	}

	handler := NewHandler(nil, rbac.NewGate(nil, rbac.GateConfig{}), h.audit)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if h.ws != nil {
				req = req.WithContext(session.WithWorkspace(req.Context(), h.ws))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api", handler.MountRoutes)
	h.router = r
	return h
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNavigate(t *testing.T) {
	h := newHarness(t, true)

	d := decode[rbac.Decision](t, h.do(http.MethodGet, "/api/navigate?path=/users/7/edit", ""))
	assert.Equal(t, rbac.Decision{Status: rbac.StatusAllowed, Slug: "user-update"}, d)

	d = decode[rbac.Decision](t, h.do(http.MethodGet, "/api/navigate?path=/roles&fallback=/users", ""))
	assert.Equal(t, rbac.Decision{Status: rbac.StatusRedirect, Target: "/users", Reason: rbac.ReasonDenied, Slug: "role-index"}, d)

	d = decode[rbac.Decision](t, h.do(http.MethodGet, "/api/navigate?path=/users&perm=user-destroy", ""))
	assert.Equal(t, rbac.StatusRedirect, d.Status, "explicit permission must also hold")

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/navigate", "").Code)
}

func TestNavigateAnonymous(t *testing.T) {
	h := newHarness(t, false)
	d := decode[rbac.Decision](t, h.do(http.MethodGet, "/api/navigate?path=/users", ""))
	assert.Equal(t, rbac.Decision{Status: rbac.StatusRedirect, Target: rbac.DefaultLoginPath, Reason: rbac.ReasonUnauthenticated}, d)

	d = decode[rbac.Decision](t, h.do(http.MethodGet, "/api/navigate?path=/profile", ""))
	assert.Equal(t, rbac.ReasonUnauthenticated, d.Reason, "open routes still need a session")
}

func TestRender(t *testing.T) {
	h := newHarness(t, true)

	d := decode[rbac.RenderDecision](t, h.do(http.MethodGet, "/api/render?perm=user-destroy&perm=user-index", ""))
	assert.Equal(t, rbac.RenderDecision{Allowed: true}, d)

	d = decode[rbac.RenderDecision](t, h.do(http.MethodGet, "/api/render?perm=user-destroy&perm=user-index&all=true", ""))
	assert.Equal(t, rbac.RenderDecision{}, d)
}

func TestListServedThroughCache(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/api/resources/users?page=2&sort=name&dir=desc&filter.is_active=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Items      []json.RawMessage `json:"items"`
		Total      int               `json:"total"`
		Pagination shared.Pagination `json:"pagination"`
		HasNext    bool              `json:"has_next"`
	}](t, rec)
	assert.Len(t, body.Items, 1)
	assert.Equal(t, 41, body.Total)
	assert.Equal(t, shared.Pagination{Page: 2, PerPage: 20, Total: 41, TotalPages: 3}, body.Pagination)
	assert.True(t, body.HasNext)
	assert.Equal(t, transport.ListParams{
		Page: 2, PageSize: 20, SortField: "name", SortDir: transport.SortDesc,
		Filters: map[string]string{"is_active": "true"},
	}, h.tr.lastList)

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/resources/users?filter.is_active=true&dir=desc&sort=name&page=2", "").Code)
	assert.Equal(t, 1, h.tr.listCalls(), "same key in any parameter order hits the cache")
}

func TestListRejectsInvalidParams(t *testing.T) {
	h := newHarness(t, true)
	rec := h.do(http.MethodGet, "/api/resources/users?sort=password_hash", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.tr.listCalls())
}

func TestResourceRoutesAreGated(t *testing.T) {
	h := newHarness(t, true)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/resources/roles", "").Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, "/api/resources/users/7", "").Code,
		"delete needs the destroy slug")
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/resources/users/7", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/resources/users/404", "").Code)

	anon := newHarness(t, false)
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/resources/users", "").Code)
}

func TestCreateInvalidatesListsAndAudits(t *testing.T) {
	h := newHarness(t, true)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/resources/users", "").Code)

	rec := h.do(http.MethodPost, "/api/resources/users", `{"name":"New"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":99,"name":"New"}`, rec.Body.String())

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/resources/users", "").Code)
	assert.Equal(t, 2, h.tr.listCalls(), "list refetched after create")

	require.Len(t, h.audit.logs, 1)
	assert.Equal(t, shared.AuditLog{ActorID: 5, Action: "create", Entity: "users", EntityID: "99"}, h.audit.logs[0])
}

func TestCreateValidationErrorPassesThrough(t *testing.T) {
	h := newHarness(t, true)
	h.tr.invalid = &transport.ValidationError{Fields: map[string]string{"email": "is already taken"}}

	rec := h.do(http.MethodPost, "/api/resources/users", `{"email":"a@b.co"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"is already taken"`)
	assert.Empty(t, h.audit.logs)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/resources/users", `{nope`).Code)
}

func TestUpdate(t *testing.T) {
	h := newHarness(t, true)
	rec := h.do(http.MethodPut, "/api/resources/users/7", `{"name":"Anna"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, h.audit.logs, 1)
	assert.Equal(t, "7", h.audit.logs[0].EntityID)
}

func TestWatchStreamsResults(t *testing.T) {
	h := newHarness(t, true)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/watch/users?page=1", nil)
	require.NoError(t, err)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(res.Body)
	var loaded resultEvent
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev resultEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev.Data != nil && !ev.IsFetching {
			loaded = ev
			break
		}
	}
	require.NotNil(t, loaded.Data)
	assert.Equal(t, 41, loaded.Data.Total)
	assert.Contains(t, loaded.Key, "users")
}

func TestWatchIsGated(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/watch/roles", "").Code)
}
