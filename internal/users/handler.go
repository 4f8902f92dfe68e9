package users

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/salesflow/internal/platform/httpx"
	"github.com/odyssey-erp/salesflow/internal/shared"
)

// ErrForbidden is returned when the actor may not browse the directory.
var ErrForbidden = errors.New("users: forbidden")

// Handler exposes the user directory as a read-only JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

var errorRules = []httpx.Rule{
	{Target: shared.ErrUnauthenticated, Status: http.StatusUnauthorized, Title: "Unauthorized"},
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listUsers)
	r.Get("/assignable", h.listAssignable)
	r.Get("/{id}", h.getUser)
}

// listUsers browses the whole directory; ?role= narrows the result.
func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		h.fail(w, r, shared.ErrUnauthenticated)
		return
	}
	if !actor.Can(shared.PermUsersList) {
		h.fail(w, r, ErrForbidden)
		return
	}
	var role shared.Role
	if raw := r.URL.Query().Get("role"); raw != "" {
		parsed, ok := shared.ParseRole(raw)
		if !ok {
			h.fail(w, r, errors.Join(httpx.ErrValidation, errors.New("unknown role "+raw)))
			return
		}
		role = parsed
	}
	list, err := h.service.ListUsers(r.Context(), role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) listAssignable(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		h.fail(w, r, shared.ErrUnauthenticated)
		return
	}
	if !actor.Can(shared.PermUsersView) {
		h.fail(w, r, ErrForbidden)
		return
	}
	list, err := h.service.ListAssignable(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		h.fail(w, r, shared.ErrUnauthenticated)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, errors.Join(httpx.ErrValidation, err))
		return
	}
	if !actor.Can(shared.PermUsersList) && actor.ID != id {
		h.fail(w, r, ErrForbidden)
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := httpx.StatusFor(err, errorRules...)
	if status >= http.StatusInternalServerError {
		h.logger.Error("users request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorRules...)
}
