package rbac

import "strings"

const (
	// DefaultLoginPath receives unauthenticated navigation attempts.
	DefaultLoginPath = "/login"
	// DefaultFallbackPath receives denied navigation attempts.
	DefaultFallbackPath = "/dashboard"
)

// Status is the outcome of a navigation attempt.
type Status string

const (
	StatusAllowed  Status = "allowed"
	StatusRedirect Status = "redirect"
	StatusLoading  Status = "loading"
)

// Reason explains a redirect.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonDenied          Reason = "denied"
)

// Decision is the result of Gate.CanNavigate. A denial is a value, never an
// error.
type Decision struct {
	Status Status `json:"status"`
	Target string `json:"target,omitempty"`
	Reason Reason `json:"reason,omitempty"`
	// Slug is the inferred route permission, empty for open routes.
	Slug string `json:"slug,omitempty"`
}

// Allowed reports whether navigation may proceed.
func (d Decision) Allowed() bool { return d.Status == StatusAllowed }

// GateConfig customises redirect destinations.
type GateConfig struct {
	LoginPath    string
	FallbackPath string
}

// Gate composes the evaluator and route inference into navigation and
// render decisions.
type Gate struct {
	inferer      *Inferer
	loginPath    string
	fallbackPath string
}

// NewGate constructs a Gate. A nil inferer uses NewInferer defaults.
func NewGate(inferer *Inferer, cfg GateConfig) *Gate {
	if inferer == nil {
		inferer = NewInferer()
	}
	login := strings.TrimSpace(cfg.LoginPath)
	if login == "" {
		login = DefaultLoginPath
	}
	fallback := strings.TrimSpace(cfg.FallbackPath)
	if fallback == "" {
		fallback = DefaultFallbackPath
	}
	return &Gate{inferer: inferer, loginPath: login, fallbackPath: fallback}
}

// Inferer exposes the route inferer backing the gate.
func (g *Gate) Inferer() *Inferer { return g.inferer }

// LoginPath returns the unauthenticated redirect target.
func (g *Gate) LoginPath() string { return g.loginPath }

// CanNavigate decides whether the session may open path. When explicit is
// non-empty it is combined with the inferred route permission using HasAny
// semantics.
func (g *Gate) CanNavigate(state SessionState, path string, explicit []string) Decision {
	return g.navigate(state, path, explicit, "")
}

// CanNavigateWithFallback is CanNavigate with a caller-specific deny target.
func (g *Gate) CanNavigateWithFallback(state SessionState, path string, explicit []string, fallback string) Decision {
	return g.navigate(state, path, explicit, fallback)
}

func (g *Gate) navigate(state SessionState, path string, explicit []string, fallback string) Decision {
	if state.AuthLoading {
		return Decision{Status: StatusLoading}
	}
	if state.Actor == nil {
		return Decision{Status: StatusRedirect, Target: g.loginPath, Reason: ReasonUnauthenticated}
	}
	if !state.PermissionsResolved {
		return Decision{Status: StatusLoading}
	}

	slug, gated := g.inferer.Infer(path)
	allowedByRoute := !gated || Has(state.Permissions, slug)
	allowedByExplicit := HasAny(state.Permissions, explicit)
	if allowedByRoute && allowedByExplicit {
		return Decision{Status: StatusAllowed, Slug: slug}
	}
	if fallback == "" {
		fallback = g.fallbackPath
	}
	return Decision{Status: StatusRedirect, Target: fallback, Reason: ReasonDenied, Slug: slug}
}

// RenderDecision is the result of a conditional render check.
type RenderDecision struct {
	Loading bool `json:"loading"`
	Allowed bool `json:"allowed"`
}

// Render decides whether a permission-gated element should be shown. No
// authentication or redirect logic applies; requireAll switches HasAny to
// HasAll.
func (g *Gate) Render(state SessionState, perms []string, requireAll bool) RenderDecision {
	if state.AuthLoading || (state.Actor != nil && !state.PermissionsResolved) {
		return RenderDecision{Loading: true}
	}
	if requireAll {
		return RenderDecision{Allowed: HasAll(state.Permissions, perms)}
	}
	return RenderDecision{Allowed: HasAny(state.Permissions, perms)}
}

// CanRender is Render collapsed to a boolean; loading renders nothing.
func (g *Gate) CanRender(state SessionState, perms []string, requireAll bool) bool {
	d := g.Render(state, perms, requireAll)
	return !d.Loading && d.Allowed
}
