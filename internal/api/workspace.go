package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
)

// LoaderFunc returns the actor loader for a stored user id.
type LoaderFunc func(userID string) session.ActorLoader

// Workspaces attaches the signed-in session's workspace to the request
// context, rebuilding it after a restart. Anonymous requests pass through
// without one and are answered by the gate.
func Workspaces(registry *session.Registry, loader LoaderFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			if sess == nil || sess.User() == "" {
				next.ServeHTTP(w, r)
				return
			}
			ws, err := registry.Open(r.Context(), sess.ID, loader(sess.User()))
			switch {
			case errors.Is(err, session.ErrNoActor):
				next.ServeHTTP(w, r)
				return
			case err != nil:
				logger.Error("open workspace", slog.Any("error", err))
				httpx.RespondError(w, httpx.ErrUpstream)
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithWorkspace(r.Context(), ws)))
		})
	}
}
