package entitlements

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kompasshq/kompass/internal/hierarchy"
	"github.com/kompasshq/kompass/internal/membership"
	"github.com/kompasshq/kompass/internal/platform/httpx"
	"github.com/kompasshq/kompass/internal/shared"
)

// Handler wires HTTP endpoints for entitlement administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers entitlement routes under a tenant scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{module}/access", h.probe)
	r.Put("/{module}", h.setModule)
	r.Put("/{module}/users/{userID}", h.setUserRule)
	r.Delete("/{module}/users/{userID}", h.clearUserRule)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	rows, err := h.service.List(r.Context(), tenantID, actorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rows == nil {
		rows = []Entitlement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entitlements": rows})
}

func (h *Handler) probe(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var targetID *int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "invalid user", "user_id must be a positive integer")
			return
		}
		targetID = &id
	}
	decision, err := h.service.Probe(r.Context(), tenantID, actorID, targetID, chi.URLParam(r, "module"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": decision.Allowed, "reason": decision.Reason})
}

type setModuleRequest struct {
	Enabled *bool          `json:"enabled" validate:"required"`
	Limits  map[string]any `json:"limits"`
}

func (h *Handler) setModule(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req setModuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.SetModule(r.Context(), SetModuleInput{
		TenantID: tenantID,
		ActorID:  actorID,
		Module:   chi.URLParam(r, "module"),
		Enabled:  *req.Enabled,
		Limits:   req.Limits,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type setUserRuleRequest struct {
	Allowed *bool `json:"allowed" validate:"required"`
}

func (h *Handler) setUserRule(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	targetID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || targetID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid user", "user id must be a positive integer")
		return
	}
	var req setUserRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	err = h.service.SetUserRule(r.Context(), SetUserRuleInput{
		TenantID: tenantID,
		ActorID:  actorID,
		TargetID: targetID,
		Module:   chi.URLParam(r, "module"),
		Allowed:  *req.Allowed,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) clearUserRule(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	targetID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || targetID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid user", "user id must be a positive integer")
		return
	}
	err = h.service.ClearUserRule(r.Context(), ClearUserRuleInput{
		TenantID: tenantID,
		ActorID:  actorID,
		TargetID: targetID,
		Module:   chi.URLParam(r, "module"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid tenant", "tenant id must be a positive integer")
		return 0, 0, false
	}
	actorID, ok := shared.ActorID(r.Context())
	if !ok {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonNoIdentity))
		return 0, 0, false
	}
	return tenantID, actorID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var denied *membership.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(denied.Reason))
	case errors.Is(err, ErrModuleRequired), errors.Is(err, ErrRuleNotApplicable):
		httpx.Problem(w, http.StatusBadRequest, "invalid request", err.Error())
	default:
		h.logger.Error("entitlements request failed", slog.Any("error", err))
		httpx.ProblemCode(w, http.StatusInternalServerError, "internal error", "storage_error")
	}
}
