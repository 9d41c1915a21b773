package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-console/internal/jobs"
	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
)

type catalogFake struct {
	perms []rbac.Permission
	err   error
}

func (c *catalogFake) ListPermissions(context.Context) ([]rbac.Permission, error) {
	return c.perms, c.err
}

type publisherFake struct {
	mu     sync.Mutex
	events []query.Event
}

func (p *publisherFake) Publish(_ context.Context, evt query.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func newRefreshJob(t *testing.T, catalog rbac.CatalogFetcher) (*CatalogRefreshJob, *publisherFake, *prometheus.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pub := &publisherFake{}
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	return NewCatalogRefreshJob(catalog, client, pub, nil, metrics), pub, reg
}

func TestCatalogRefreshPublishesOnlyOnChange(t *testing.T) {
	catalog := &catalogFake{perms: []rbac.Permission{
		{Slug: "user-index", Status: rbac.StatusEnabled},
		{Slug: "role-index", Status: rbac.StatusEnabled},
	}}
	job, pub, reg := newRefreshJob(t, catalog)
	ctx := context.Background()

	require.NoError(t, job.Run(ctx, CatalogRefreshPayload{Reason: "boot"}))
	require.Len(t, pub.events, 1)
	assert.Equal(t, query.Event{Kind: query.KindPermissions, Op: query.MutationUpdate}, pub.events[0])

	// order does not matter
	catalog.perms = []rbac.Permission{catalog.perms[1], catalog.perms[0]}
	require.NoError(t, job.Run(ctx, CatalogRefreshPayload{Reason: "cron"}))
	assert.Len(t, pub.events, 1)

	catalog.perms[0].Status = rbac.StatusDisabled
	require.NoError(t, job.Run(ctx, CatalogRefreshPayload{Reason: "cron"}))
	assert.Len(t, pub.events, 2)

	require.NoError(t, job.Run(ctx, CatalogRefreshPayload{Reason: "manual", Force: true}))
	assert.Len(t, pub.events, 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	var changes float64
	for _, mf := range families {
		if mf.GetName() == "odyssey_jobs_changes_total" {
			changes = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 3.0, changes)
}

func TestCatalogRefreshHandleTask(t *testing.T) {
	catalog := &catalogFake{perms: []rbac.Permission{{Slug: "user-index", Status: rbac.StatusEnabled}}}
	job, pub, _ := newRefreshJob(t, catalog)

	task, err := NewCatalogRefreshTask(CatalogRefreshPayload{Reason: "test"})
	require.NoError(t, err)
	assert.Equal(t, TaskCatalogRefresh, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Len(t, pub.events, 1)

	err = job.Handle(context.Background(), asynq.NewTask(TaskCatalogRefresh, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCatalogRefreshSurfacesCatalogErrors(t *testing.T) {
	boom := errors.New("db down")
	job, pub, _ := newRefreshJob(t, &catalogFake{err: boom})

	err := job.Run(context.Background(), CatalogRefreshPayload{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pub.events)
}

func TestCatalogFingerprintIgnoresSlugCase(t *testing.T) {
	a := catalogFingerprint([]rbac.Permission{{Slug: "User-Index", Status: rbac.StatusEnabled}})
	b := catalogFingerprint([]rbac.Permission{{Slug: "user-index", Status: rbac.StatusEnabled}})
	assert.Equal(t, a, b)
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"retry":0,"archived":0,"paused":false}`, res.Body.String())
}
