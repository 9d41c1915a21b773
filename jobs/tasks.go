package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCatalogRefresh re-reads the permission catalog and tells console
	// instances when it changed.
	TaskCatalogRefresh = "rbac:catalog_refresh"
)

// CatalogRefreshPayload describes why a refresh was requested.
type CatalogRefreshPayload struct {
	Reason string `json:"reason"`
	// Force publishes an invalidation even when the catalog is unchanged.
	Force bool `json:"force,omitempty"`
}

// NewCatalogRefreshTask constructs an Asynq task.
func NewCatalogRefreshTask(payload CatalogRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCatalogRefresh, data), nil
}
