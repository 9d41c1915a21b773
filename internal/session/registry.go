package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// ErrNoActor is returned when a session has no signed-in actor.
var ErrNoActor = errors.New("session: no actor")

// ActorLoader resolves the actor bound to a session.
type ActorLoader func(ctx context.Context) (*rbac.Actor, error)

// Workspace bundles everything scoped to one signed-in session: the
// permission snapshot, its query cache and the mutation coordinator writing
// through it.
type Workspace struct {
	ID        string
	Provider  *Provider
	Queries   *query.Client
	Mutations *query.Coordinator

	mu       sync.Mutex
	lastSeen time.Time
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastSeen = now
	w.mu.Unlock()
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// Config wires the registry to the query layer.
type Config struct {
	Transport transport.Transport
	Kinds     *query.Registry
	Cache     query.Config
	Client    query.ClientConfig
	// Publisher forwards confirmed mutations to other instances; optional.
	Publisher query.Publisher
	// Catalog is re-read whenever permissions change; optional.
	Catalog rbac.CatalogFetcher
	// CatalogRetry is the first delay before a failed catalog load is
	// retried. Later attempts back off up to CatalogRetryMax.
	CatalogRetry    time.Duration
	CatalogRetryMax time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Registry owns the live workspaces of this instance. Workspaces are created
// on login and torn down on logout, which resets their caches.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	workspaces map[string]*Workspace
	catalog    []rbac.Permission
	hasCatalog bool
	retrying   bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Kinds == nil {
		cfg.Kinds = query.DefaultRegistry()
	}
	if cfg.CatalogRetry <= 0 {
		cfg.CatalogRetry = time.Second
	}
	if cfg.CatalogRetryMax < cfg.CatalogRetry {
		cfg.CatalogRetryMax = time.Minute
	}
	return &Registry{
		cfg:        cfg,
		logger:     cfg.Logger,
		workspaces: make(map[string]*Workspace),
		stop:       make(chan struct{}),
	}
}

// Stop ends any background catalog retry.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Get returns the live workspace for id.
func (r *Registry) Get(id string) (*Workspace, bool) {
	r.mu.RLock()
	ws, ok := r.workspaces[id]
	r.mu.RUnlock()
	if ok {
		ws.touch(r.cfg.Now())
	}
	return ws, ok
}

// Open returns the workspace for id, creating it and signing the actor in
// when none is live.
func (r *Registry) Open(ctx context.Context, id string, load ActorLoader) (*Workspace, error) {
	if ws, ok := r.Get(id); ok {
		return ws, nil
	}

	ws := r.newWorkspace(id)
	ws.Provider.BeginLogin()
	actor, err := load(ctx)
	if err != nil {
		ws.Provider.Logout()
		return nil, fmt.Errorf("session: load actor: %w", err)
	}
	if actor == nil {
		ws.Provider.Logout()
		return nil, ErrNoActor
	}
	ws.Provider.Login(actor)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workspaces[id]; ok {
		// Lost a race with a concurrent request for the same session.
		ws.Provider.Logout()
		return existing, nil
	}
	r.workspaces[id] = ws
	return ws, nil
}

// Close signs the session out and drops its workspace.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	ws, ok := r.workspaces[id]
	delete(r.workspaces, id)
	r.mu.Unlock()
	if ok {
		ws.Provider.Logout()
	}
	return ok
}

// Sweep closes workspaces idle for longer than maxIdle and returns how many
// were closed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.cfg.Now().Add(-maxIdle)
	r.mu.RLock()
	var idle []string
	for id, ws := range r.workspaces {
		if ws.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range idle {
		r.Close(id)
	}
	if len(idle) > 0 {
		r.logger.Info("swept idle sessions", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// Len returns the number of live workspaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces)
}

// SetCatalog records the permission catalog and pushes it to every live
// session.
func (r *Registry) SetCatalog(catalog []rbac.Permission) {
	r.mu.Lock()
	r.catalog = append([]rbac.Permission(nil), catalog...)
	r.hasCatalog = true
	live := r.snapshotLocked()
	r.mu.Unlock()
	for _, ws := range live {
		ws.Provider.SetCatalog(catalog)
	}
}

// LoadCatalog fetches the catalog and applies it. When the fetch fails the
// error is returned and the load is retried in the background, with
// backoff, until it succeeds or Stop is called.
func (r *Registry) LoadCatalog(ctx context.Context, fetcher rbac.CatalogFetcher) error {
	if err := r.fetchCatalog(ctx, fetcher); err != nil {
		r.retryCatalog(fetcher)
		return err
	}
	return nil
}

func (r *Registry) fetchCatalog(ctx context.Context, fetcher rbac.CatalogFetcher) error {
	perms, err := fetcher.ListPermissions(ctx)
	if err != nil {
		return fmt.Errorf("session: load catalog: %w", err)
	}
	r.SetCatalog(perms)
	return nil
}

// retryCatalog starts the retry loop unless one is already running.
func (r *Registry) retryCatalog(fetcher rbac.CatalogFetcher) {
	r.mu.Lock()
	if r.retrying {
		r.mu.Unlock()
		return
	}
	r.retrying = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.retrying = false
			r.mu.Unlock()
		}()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-r.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = r.cfg.CatalogRetry
		policy.MaxInterval = r.cfg.CatalogRetryMax
		policy.MaxElapsedTime = 0
		policy.Reset()
		err := backoff.RetryNotify(func() error {
			return r.fetchCatalog(ctx, fetcher)
		}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
			r.logger.Warn("permission catalog unavailable", slog.Duration("retry_in", wait), slog.Any("error", err))
		})
		if err != nil {
			r.logger.Debug("catalog retry stopped", slog.Any("error", err))
			return
		}
		r.logger.Info("permission catalog recovered")
	}()
}

// InvalidateAfterMutation applies a mutation confirmed elsewhere to every
// live cache.
func (r *Registry) InvalidateAfterMutation(kind query.Kind, op query.Mutation, id string) {
	for _, ws := range r.snapshot() {
		ws.Queries.Cache().InvalidateAfterMutation(kind, op, id)
	}
	r.permissionsChanged(context.Background(), kind)
}

// permissionsChanged reloads the catalog after a permissions mutation.
// Sessions report loading until the new catalog lands. If the reload fails
// the last good catalog is put back while the load is retried.
func (r *Registry) permissionsChanged(ctx context.Context, kind query.Kind) {
	if kind != query.KindPermissions || r.cfg.Catalog == nil {
		return
	}
	for _, ws := range r.snapshot() {
		ws.Provider.InvalidateCatalog()
	}
	err := r.fetchCatalog(ctx, r.cfg.Catalog)
	if err == nil {
		return
	}
	r.logger.Warn("reload permission catalog", slog.Any("error", err))
	r.restoreCatalog()
	r.retryCatalog(r.cfg.Catalog)
}

// restoreCatalog hands the last good catalog back to every live session.
func (r *Registry) restoreCatalog() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasCatalog {
		return
	}
	for _, ws := range r.workspaces {
		ws.Provider.SetCatalog(r.catalog)
	}
}

func (r *Registry) snapshot() []*Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []*Workspace {
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, ws)
	}
	return out
}

func (r *Registry) newWorkspace(id string) *Workspace {
	logger := r.logger.With(slog.String("session", shortID(id)))
	cacheCfg := r.cfg.Cache
	cacheCfg.Logger = logger
	cache := query.NewCache(cacheCfg)

	clientCfg := r.cfg.Client
	clientCfg.Logger = logger
	ws := &Workspace{
		ID:       id,
		Provider: NewProvider(logger),
		Queries:  query.NewClient(cache, r.cfg.Kinds, r.cfg.Transport, clientCfg),
		lastSeen: r.cfg.Now(),
	}
	ws.Mutations = query.NewCoordinator(cache, r.cfg.Transport, &fanout{registry: r, origin: ws}, logger)
	ws.Provider.OnLogout(func(*rbac.Actor) { cache.Reset() })

	r.mu.RLock()
	if r.hasCatalog {
		ws.Provider.SetCatalog(r.catalog)
	}
	r.mu.RUnlock()
	return ws
}

// fanout applies a workspace's confirmed mutation to the other local
// sessions and forwards it to other instances.
type fanout struct {
	registry *Registry
	origin   *Workspace
}

func (f *fanout) Publish(ctx context.Context, evt query.Event) error {
	for _, ws := range f.registry.snapshot() {
		if ws == f.origin {
			continue
		}
		ws.Queries.Cache().InvalidateAfterMutation(evt.Kind, evt.Op, evt.ID)
	}
	f.registry.permissionsChanged(ctx, evt.Kind)
	if f.registry.cfg.Publisher == nil {
		return nil
	}
	return f.registry.cfg.Publisher.Publish(ctx, evt)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
