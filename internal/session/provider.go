// Package session holds the authenticated actor for one console session and
// derives the permission snapshot the gate evaluates.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/odyssey-erp/odyssey-console/internal/rbac"
)

// Hook runs on session lifecycle transitions.
type Hook func(actor *rbac.Actor)

// Provider owns the actor, the loading flag and the resolved permission
// set. It is passed explicitly to the gate and the query cache instead of
// living in ambient global state.
type Provider struct {
	mu          sync.RWMutex
	actor       *rbac.Actor
	authLoading bool
	catalog     []rbac.Permission
	resolved    bool
	perms       rbac.PermissionSet

	onLogin  []Hook
	onLogout []Hook
	logger   *slog.Logger
}

// NewProvider constructs an empty, unauthenticated provider.
func NewProvider(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger}
}

// OnLogin registers a hook invoked after Login with the new actor.
func (p *Provider) OnLogin(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLogin = append(p.onLogin, h)
}

// OnLogout registers a hook invoked after Logout with the previous actor.
func (p *Provider) OnLogout(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLogout = append(p.onLogout, h)
}

// BeginLogin marks authentication as in progress. Gate decisions report
// loading until Login or Logout completes.
func (p *Provider) BeginLogin() {
	p.mu.Lock()
	p.authLoading = true
	p.mu.Unlock()
}

// Login replaces the session actor wholesale and recomputes the permission
// snapshot.
func (p *Provider) Login(actor *rbac.Actor) {
	p.mu.Lock()
	p.actor = cloneActor(actor)
	p.authLoading = false
	p.recompute()
	hooks := append([]Hook(nil), p.onLogin...)
	current := p.actor
	p.mu.Unlock()

	if current != nil {
		p.logger.Info("session login", slog.Int64("actor_id", current.ID))
	}
	for _, h := range hooks {
		h(current)
	}
}

// Logout clears the actor and tears down derived state.
func (p *Provider) Logout() {
	p.mu.Lock()
	previous := p.actor
	p.actor = nil
	p.authLoading = false
	p.perms = rbac.PermissionSet{}
	hooks := append([]Hook(nil), p.onLogout...)
	p.mu.Unlock()

	if previous != nil {
		p.logger.Info("session logout", slog.Int64("actor_id", previous.ID))
	}
	for _, h := range hooks {
		h(previous)
	}
}

// SetCatalog records the authoritative permission catalog. Until it is set
// the permission snapshot is reported as unresolved.
func (p *Provider) SetCatalog(catalog []rbac.Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalog = append([]rbac.Permission(nil), catalog...)
	p.resolved = true
	p.recompute()
}

// InvalidateCatalog marks the catalog as stale; decisions report loading
// until SetCatalog is called again.
func (p *Provider) InvalidateCatalog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = false
}

// LoadCatalog fetches the catalog and records it. A failed fetch leaves the
// snapshot unresolved rather than guessing.
func (p *Provider) LoadCatalog(ctx context.Context, fetcher rbac.CatalogFetcher) error {
	perms, err := fetcher.ListPermissions(ctx)
	if err != nil {
		p.logger.Warn("load permission catalog", slog.Any("error", err))
		return err
	}
	p.SetCatalog(perms)
	return nil
}

// Actor returns the current actor or nil.
func (p *Provider) Actor() *rbac.Actor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.actor
}

// State returns an immutable snapshot for the gate.
func (p *Provider) State() rbac.SessionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return rbac.SessionState{
		Actor:               p.actor,
		AuthLoading:         p.authLoading,
		PermissionsResolved: p.resolved,
		Permissions:         p.perms,
	}
}

// recompute derives a new set; the previous one is never mutated.
func (p *Provider) recompute() {
	set := rbac.PermissionSetFor(p.actor)
	if p.resolved {
		set = set.Restrict(p.catalog)
	}
	p.perms = set
}

func cloneActor(actor *rbac.Actor) *rbac.Actor {
	if actor == nil {
		return nil
	}
	out := *actor
	if actor.Role != nil {
		role := *actor.Role
		role.Permissions = append([]rbac.Permission(nil), actor.Role.Permissions...)
		out.Role = &role
	}
	return &out
}
