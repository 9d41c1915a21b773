// Package transport defines the resource verbs the query cache and the
// mutation coordinator depend on.
package transport

import (
	"context"
	"encoding/json"

	"github.com/odyssey-erp/odyssey-console/internal/shared"
)

// SortDirection orders list results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ListParams selects one page of a collection.
type ListParams struct {
	Page      int               `json:"page,omitempty"`
	PageSize  int               `json:"page_size,omitempty"`
	SortField string            `json:"sort,omitempty"`
	SortDir   SortDirection     `json:"dir,omitempty"`
	Search    string            `json:"search,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// ListResult is one page of a collection. Total counts every matching item
// across pages.
type ListResult struct {
	Items    []json.RawMessage `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// Pagination derives page metadata from the total count convention.
func (r ListResult) Pagination() shared.Pagination {
	return shared.NewPagination(r.Page, r.PageSize, r.Total)
}

// Transport exposes the verbs of a resource backend per entity kind.
type Transport interface {
	List(ctx context.Context, kind string, params ListParams) (ListResult, error)
	Detail(ctx context.Context, kind, id string) (json.RawMessage, error)
	Create(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, kind, id string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, kind, id string) error
}
