package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// Client binds the cache to a resource transport. All reads go through the
// cache so concurrent views of the same collection share one request.
type Client struct {
	cache     *Cache
	registry  *Registry
	transport transport.Transport
	maxAge    time.Duration
	debounce  time.Duration
	clock     Clock
	metrics   *Metrics
	logger    *slog.Logger
}

// ClientConfig tunes reads and subscriptions.
type ClientConfig struct {
	// MaxAge is the freshness window for reads; zero uses the cache default.
	MaxAge         time.Duration
	SearchDebounce time.Duration
	Clock          Clock
	Metrics        *Metrics
	Logger         *slog.Logger
}

// NewClient constructs a Client. A nil registry uses DefaultRegistry.
func NewClient(cache *Cache, registry *Registry, tr transport.Transport, cfg ClientConfig) *Client {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if cfg.SearchDebounce == 0 {
		cfg.SearchDebounce = DefaultSearchDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cache:     cache,
		registry:  registry,
		transport: tr,
		maxAge:    cfg.MaxAge,
		debounce:  cfg.SearchDebounce,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Cache exposes the underlying cache.
func (c *Client) Cache() *Cache { return c.cache }

// Registry exposes the kind registry.
func (c *Client) Registry() *Registry { return c.registry }

// Transport exposes the resource transport.
func (c *Client) Transport() transport.Transport { return c.transport }

// List reads one page of kind through the cache. When the load fails the
// last known page for the same key, if any, is returned with the error.
func (c *Client) List(ctx context.Context, kind Kind, params Params) (transport.ListResult, error) {
	key, p, err := c.registry.ListKey(kind, params)
	if err != nil {
		return transport.ListResult{}, err
	}
	payload, err := c.cache.Fetch(ctx, key, c.maxAge, c.listLoader(kind, p))
	if err != nil {
		prev, _ := c.cache.Peek(key)
		res, _ := prev.Payload.(transport.ListResult)
		return res, err
	}
	res, ok := payload.(transport.ListResult)
	if !ok {
		return transport.ListResult{}, fmt.Errorf("query: unexpected payload %T for %s", payload, key)
	}
	return res, nil
}

// Detail reads a single item through the cache.
func (c *Client) Detail(ctx context.Context, kind Kind, id string) (json.RawMessage, error) {
	key, err := c.registry.DetailKey(kind, id)
	if err != nil {
		return nil, err
	}
	payload, err := c.cache.Fetch(ctx, key, c.maxAge, c.detailLoader(kind, id))
	if err != nil {
		prev, _ := c.cache.Peek(key)
		raw, _ := prev.Payload.(json.RawMessage)
		return raw, err
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("query: unexpected payload %T for %s", payload, key)
	}
	return raw, nil
}

func (c *Client) listLoader(kind Kind, p Params) Loader {
	lp := p.ListParams()
	return func(ctx context.Context) (any, error) {
		return c.transport.List(ctx, string(kind), lp)
	}
}

func (c *Client) detailLoader(kind Kind, id string) Loader {
	return func(ctx context.Context) (any, error) {
		return c.transport.Detail(ctx, string(kind), id)
	}
}
