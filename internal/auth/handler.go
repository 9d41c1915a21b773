package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	sessions  *shared.SessionManager
	csrf      *shared.CSRFManager
	registry  *session.Registry
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, registry *session.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		sessions:  sessions,
		csrf:      csrf,
		registry:  registry,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.handleCSRF)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type permissionsView struct {
	Resolved bool     `json:"resolved"`
	Slugs    []string `json:"slugs"`
}

type sessionView struct {
	Actor       *rbac.Actor     `json:"actor"`
	Permissions permissionsView `json:"permissions"`
	CSRFToken   string          `json:"csrf_token,omitempty"`
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrf.EnsureToken(sess)
	if err != nil {
		h.logger.Error("issue csrf token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, errors.New("session missing"))
		return
	}

	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		fields := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		httpx.JSON(w, http.StatusUnprocessableEntity, httpx.ValidationProblem{
			ProblemDetail: httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusUnprocessableEntity},
			Errors:        fields,
		})
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.String("email", req.Email))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrInvalidCredentials.Error())
		return
	}

	// Any workspace bound to the anonymous id is discarded along with it.
	h.registry.Close(sess.ID)
	h.sessions.Renew(sess)
	userID := user.SessionKey()
	sess.SetUser(userID)
	token, err := h.csrf.RotateToken(sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	expiresAt := time.Now().Add(h.sessions.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	ws, err := h.registry.Open(r.Context(), sess.ID, h.service.Loader(userID))
	if err != nil {
		h.logger.Error("open workspace", slog.Any("error", err))
		h.sessions.Destroy(sess)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(ws, token))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		h.registry.Close(sess.ID)
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessions.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	ws, err := h.registry.Open(r.Context(), sess.ID, h.service.Loader(sess.User()))
	if err != nil {
		if errors.Is(err, session.ErrNoActor) {
			h.sessions.Destroy(sess)
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		h.logger.Error("open workspace", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	token, err := h.csrf.EnsureToken(sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(ws, token))
}

func viewOf(ws *session.Workspace, token string) sessionView {
	state := ws.Provider.State()
	slugs := state.Permissions.Slugs()
	if slugs == nil {
		slugs = []string{}
	}
	return sessionView{
		Actor:       state.Actor,
		Permissions: permissionsView{Resolved: state.PermissionsResolved, Slugs: slugs},
		CSRFToken:   token,
	}
}
