package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-console/internal/api"
	"github.com/odyssey-erp/odyssey-console/internal/auth"
	"github.com/odyssey-erp/odyssey-console/internal/observability"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

type userStore struct{ user *auth.User }

func (s userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	if email == s.user.Email {
		return s.user, nil
	}
	return nil, shared.ErrNotFound
}

func (s userStore) FindByID(_ context.Context, id int64) (*auth.User, error) {
	if id == s.user.ID {
		return s.user, nil
	}
	return nil, shared.ErrNotFound
}

func (userStore) CreateSession(context.Context, string, int64, time.Time, string, string) error {
	return nil
}

func (userStore) DeleteSession(context.Context, string) error { return nil }

type roleStore map[int64]rbac.Role

func (r roleStore) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	role, ok := r[id]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return role, nil
}

type usersBackend struct{}

func (usersBackend) List(context.Context, string, transport.ListParams) (transport.ListResult, error) {
	return transport.ListResult{Items: []json.RawMessage{json.RawMessage(`{"id":1}`)}, Total: 1, Page: 1, PageSize: 10}, nil
}

func (usersBackend) Detail(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"id":1}`), nil
}

func (usersBackend) Create(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"id":2}`), nil
}

func (usersBackend) Update(_ context.Context, _, _ string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func (usersBackend) Delete(context.Context, string, string) error { return nil }

func newConsoleServer(t *testing.T, ready map[string]ReadyFunc) *httptest.Server {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	roleID := int64(1)
	users := userStore{user: &auth.User{ID: 1, Email: "admin@test.local", Name: "Admin", PasswordHash: string(hashed), IsActive: true, RoleID: &roleID}}
	roles := roleStore{1: {ID: 1, Name: "Admin", Permissions: []rbac.Permission{
		{Slug: "user-index", Status: rbac.StatusEnabled},
		{Slug: "user-store", Status: rbac.StatusEnabled},
	}}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, RateLimitPerMinute: 1000}
	sessions := shared.NewSessionManager(client, "console_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")
	registry := session.NewRegistry(session.Config{Transport: usersBackend{}})
	registry.SetCatalog([]rbac.Permission{{Slug: "user-index"}, {Slug: "user-store"}})
	service := auth.NewService(users, roles)
	gate := rbac.NewGate(nil, rbac.GateConfig{})

	srv := httptest.NewServer(NewRouter(RouterParams{
		Config:         cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		Registry:       registry,
		Loader:         service.Loader,
		AuthHandler:    auth.NewHandler(nil, service, sessions, csrf, registry),
		APIHandler:     api.NewHandler(nil, gate, nil),
		Metrics:        observability.NewMetrics(),
		Ready:          ready,
	}))
	t.Cleanup(srv.Close)
	return srv
}

type consoleClient struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func newConsoleClient(t *testing.T, srv *httptest.Server) *consoleClient {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &consoleClient{t: t, base: srv.URL, http: &http.Client{Jar: jar}}
}

func (c *consoleClient) do(method, path, body string) (int, string) {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.csrf != "" {
		req.Header.Set(shared.CSRFHeader, c.csrf)
	}
	res, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(c.t, err)
	return res.StatusCode, string(data)
}

func (c *consoleClient) token(body string) {
	var out struct {
		Token string `json:"csrf_token"`
	}
	require.NoError(c.t, json.Unmarshal([]byte(body), &out))
	require.NotEmpty(c.t, out.Token)
	c.csrf = out.Token
}

func TestConsoleLoginAndResourceFlow(t *testing.T) {
	srv := newConsoleServer(t, nil)
	c := newConsoleClient(t, srv)

	code, _ := c.do(http.MethodGet, "/api/resources/users", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.do(http.MethodPost, "/auth/login", `{"email":"admin@test.local","password":"correctpass"}`)
	assert.Equal(t, http.StatusForbidden, code, "writes need a csrf token")

	code, body := c.do(http.MethodGet, "/auth/csrf", "")
	require.Equal(t, http.StatusOK, code)
	c.token(body)

	code, body = c.do(http.MethodPost, "/auth/login", `{"email":"admin@test.local","password":"correctpass"}`)
	require.Equal(t, http.StatusOK, code, body)
	c.token(body)

	code, body = c.do(http.MethodGet, "/api/resources/users", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"total":1`)

	code, _ = c.do(http.MethodGet, "/api/resources/roles", "")
	assert.Equal(t, http.StatusForbidden, code)

	code, body = c.do(http.MethodPost, "/api/resources/users", `{"name":"New","email":"new@test.local"}`)
	assert.Equal(t, http.StatusCreated, code, body)

	code, _ = c.do(http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = c.do(http.MethodGet, "/api/resources/users", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newConsoleServer(t, map[string]ReadyFunc{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	c := newConsoleClient(t, srv)

	code, body := c.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body = c.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"postgres":"ok","redis":"connection refused"}}`, body)

	code, body = c.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `odyssey_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{SessionSecret: "s", CSRFSecret: "c", TransportMode: TransportPostgres, CacheMaxEntriesPerKind: 256}
	assert.NoError(t, cfg.validate())

	cfg.TransportMode = TransportREST
	assert.Error(t, cfg.validate())
	cfg.TransportBaseURL = "http://backend.local"
	assert.NoError(t, cfg.validate())

	cfg.TransportMode = "grpc"
	assert.Error(t, cfg.validate())
}
