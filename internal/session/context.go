package session

import (
	"context"

	"github.com/odyssey-erp/odyssey-console/internal/rbac"
)

type workspaceContextKey struct{}

// WithWorkspace stores the workspace in context.
func WithWorkspace(ctx context.Context, ws *Workspace) context.Context {
	return context.WithValue(ctx, workspaceContextKey{}, ws)
}

// FromContext extracts the workspace, or nil for anonymous requests.
func FromContext(ctx context.Context) *Workspace {
	ws, _ := ctx.Value(workspaceContextKey{}).(*Workspace)
	return ws
}

// StateFromContext returns the gate input for the request. Anonymous
// requests yield the zero state, which the gate treats as unauthenticated.
func StateFromContext(ctx context.Context) rbac.SessionState {
	if ws := FromContext(ctx); ws != nil {
		return ws.Provider.State()
	}
	return rbac.SessionState{}
}
