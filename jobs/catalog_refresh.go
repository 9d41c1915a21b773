package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/odyssey-erp/odyssey-console/internal/jobs"
	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
)

// CatalogFingerprintKey stores the hash of the last published catalog.
const CatalogFingerprintKey = "console:catalog:fingerprint"

const catalogJobName = "catalog_refresh"

// CatalogRefreshJob compares the permission catalog with the last one seen
// and broadcasts a permissions invalidation when it changed.
type CatalogRefreshJob struct {
	catalog   rbac.CatalogFetcher
	redis     *redis.Client
	publisher query.Publisher
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewCatalogRefreshJob builds the job handler.
func NewCatalogRefreshJob(catalog rbac.CatalogFetcher, client *redis.Client, publisher query.Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogRefreshJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogRefreshJob{catalog: catalog, redis: client, publisher: publisher, logger: logger, metrics: metrics}
}

// Handle processes TaskCatalogRefresh tasks.
func (j *CatalogRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload CatalogRefreshPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode catalog refresh payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	tracker := j.metrics.Track(catalogJobName)
	return tracker.End(j.Run(ctx, payload))
}

// Run performs one refresh.
func (j *CatalogRefreshJob) Run(ctx context.Context, payload CatalogRefreshPayload) error {
	perms, err := j.catalog.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("jobs: list permissions: %w", err)
	}
	fingerprint := catalogFingerprint(perms)

	previous, err := j.redis.Get(ctx, CatalogFingerprintKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("jobs: read catalog fingerprint: %w", err)
	}
	if previous == fingerprint && !payload.Force {
		j.logger.Debug("permission catalog unchanged", slog.Int("permissions", len(perms)))
		return nil
	}

	evt := query.Event{Kind: query.KindPermissions, Op: query.MutationUpdate}
	if err := j.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("jobs: publish catalog change: %w", err)
	}
	if err := j.redis.Set(ctx, CatalogFingerprintKey, fingerprint, 0).Err(); err != nil {
		return fmt.Errorf("jobs: store catalog fingerprint: %w", err)
	}
	j.metrics.AddChange(string(query.KindPermissions))
	j.logger.Info("permission catalog changed",
		slog.Int("permissions", len(perms)),
		slog.String("reason", payload.Reason),
		slog.Bool("forced", payload.Force))
	return nil
}

// catalogFingerprint hashes slug and status, the only fields the gate reads.
func catalogFingerprint(perms []rbac.Permission) string {
	lines := make([]string, 0, len(perms))
	for _, p := range perms {
		lines = append(lines, rbac.NormalizeSlug(p.Slug)+"="+string(p.Status))
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
