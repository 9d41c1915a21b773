// Package api exposes the gate and the query layer to the console front end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-console/internal/query"
	"github.com/odyssey-erp/odyssey-console/internal/rbac"
	"github.com/odyssey-erp/odyssey-console/internal/session"
	"github.com/odyssey-erp/odyssey-console/internal/shared"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// ResourcesPrefix is where resource routes are mounted.
const ResourcesPrefix = "/api/resources"

const maxBodyBytes = 1 << 20

// Auditor records confirmed mutations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Handler serves navigation checks, render checks and resource reads and
// writes for the current workspace.
type Handler struct {
	logger *slog.Logger
	gate   *rbac.Gate
	audit  Auditor
}

// NewHandler builds a Handler. audit may be nil.
func NewHandler(logger *slog.Logger, gate *rbac.Gate, audit Auditor) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, gate: gate, audit: audit}
}

// MountRoutes registers the API under r, which is expected at /api.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/navigate", h.navigate)
	r.Get("/render", h.render)

	guard := rbac.Middleware{Gate: h.gate, State: session.StateFromContext, Logger: h.logger}
	r.Route("/resources/{kind}", func(r chi.Router) {
		r.Use(guard.RequireRoute(rbac.ResourceRoute(ResourcesPrefix)))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.detail)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
	r.With(guard.RequireRoute(watchRoute)).Get("/watch/{kind}", h.watch)
}

func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "path is required")
		return
	}
	state := session.StateFromContext(r.Context())
	var d rbac.Decision
	if fallback := q.Get("fallback"); fallback != "" {
		d = h.gate.CanNavigateWithFallback(state, path, q["perm"], fallback)
	} else {
		d = h.gate.CanNavigate(state, path, q["perm"])
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	httpx.JSON(w, http.StatusOK, h.gate.Render(session.StateFromContext(r.Context()), q["perm"], all))
}

type listResponse struct {
	transport.ListResult
	Meta    shared.Pagination `json:"pagination"`
	HasNext bool              `json:"has_next"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ws, kind, ok := h.scope(w, r)
	if !ok {
		return
	}
	params := query.ParamsFromList(transport.DecodeListParams(r.URL.Query()))
	res, err := ws.Queries.List(r.Context(), kind, params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Items == nil {
		res.Items = []json.RawMessage{}
	}
	p := res.Pagination()
	httpx.JSON(w, http.StatusOK, listResponse{ListResult: res, Meta: p, HasNext: p.HasNext()})
}

func (h *Handler) detail(w http.ResponseWriter, r *http.Request) {
	ws, kind, ok := h.scope(w, r)
	if !ok {
		return
	}
	item, err := ws.Queries.Detail(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, item)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ws, kind, ok := h.scope(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	item, err := ws.Mutations.Create(r.Context(), kind, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, ws, kind, query.MutationCreate, itemID(item))
	writeRaw(w, http.StatusCreated, item)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	ws, kind, ok := h.scope(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	item, err := ws.Mutations.Update(r.Context(), kind, id, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, ws, kind, query.MutationUpdate, id)
	writeRaw(w, http.StatusOK, item)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	ws, kind, ok := h.scope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := ws.Mutations.Delete(r.Context(), kind, id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, ws, kind, query.MutationDelete, id)
	w.WriteHeader(http.StatusNoContent)
}

// scope resolves the workspace and a registered kind for the request.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (*session.Workspace, query.Kind, bool) {
	ws := session.FromContext(r.Context())
	if ws == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return nil, "", false
	}
	kind := query.Kind(chi.URLParam(r, "kind"))
	if _, ok := ws.Queries.Registry().Spec(kind); !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown resource "+string(kind))
		return nil, "", false
	}
	return ws, kind, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrUnknownKind):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, query.ErrInvalidParams):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, context.Canceled):
		h.logger.Debug("request cancelled", slog.String("path", r.URL.Path))
	default:
		if errors.Is(err, httpx.ErrUpstream) {
			h.logger.Warn("resource backend failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func (h *Handler) record(r *http.Request, ws *session.Workspace, kind query.Kind, op query.Mutation, id string) {
	if h.audit == nil {
		return
	}
	var actorID int64
	if actor := ws.Provider.Actor(); actor != nil {
		actorID = actor.ID
	}
	err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actorID,
		Action:   string(op),
		Entity:   string(kind),
		EntityID: id,
	})
	if err != nil {
		h.logger.Warn("audit mutation", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
			return nil, false
		}
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return nil, false
	}
	if !json.Valid(body) {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return nil, false
	}
	return body, true
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// itemID reads the "id" member of a created item for the audit trail.
func itemID(item json.RawMessage) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	return string(probe.ID)
}
