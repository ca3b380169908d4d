package membership

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kompasshq/kompass/internal/hierarchy"
	"github.com/kompasshq/kompass/internal/platform/httpx"
	"github.com/kompasshq/kompass/internal/shared"
)

// Handler wires HTTP endpoints for membership administration.
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

// MountRoutes registers membership routes. Mounted under a tenant scope, so
// every route sees a tenantID URL parameter.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{userID}", h.get)
	r.Get("/{userID}/reports", h.reports)
	r.Get("/{userID}/can-manage", h.canManage)
	r.Put("/{userID}/role", h.changeRole)
	r.Put("/{userID}/status", h.setActive)
	r.Put("/{userID}/supervisor", h.assignSupervisor)
	r.Delete("/{userID}", h.remove)
}

type membershipResponse struct {
	UserID       int64  `json:"user_id"`
	TenantID     int64  `json:"tenant_id"`
	Role         string `json:"role"`
	IsActive     bool   `json:"is_active"`
	SupervisorID *int64 `json:"supervisor_id"`
	Deleted      bool   `json:"deleted"`
}

func toResponse(m Membership) membershipResponse {
	return membershipResponse{
		UserID:       m.UserID,
		TenantID:     m.TenantID,
		Role:         string(m.Role),
		IsActive:     m.IsActive,
		SupervisorID: m.SupervisorID,
		Deleted:      m.DeletedAt != nil,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	rows, err := h.service.ListByTenant(r.Context(), tenantID, includeDeleted)
	if err != nil {
		h.respondError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage > 100 {
		perPage = 100
	}
	paging := shared.NewPagination(page, perPage, len(rows))
	start := paging.Offset()
	if start > len(rows) {
		start = len(rows)
	}
	end := start + paging.PerPage
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]membershipResponse, 0, end-start)
	for _, m := range rows[start:end] {
		out = append(out, toResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": out, "pagination": paging})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	m, err := h.service.Get(r.Context(), tenantID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(*m))
}

func (h *Handler) reports(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	rows, err := h.service.ListReports(r.Context(), tenantID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]membershipResponse, 0, len(rows))
	for _, m := range rows {
		out = append(out, toResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reports": out})
}

func (h *Handler) canManage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	intent := hierarchy.Intent(r.URL.Query().Get("intent"))
	if !intent.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "invalid intent", "intent must be one of view, edit, status, role, delete")
		return
	}
	d, err := h.service.CanManage(r.Context(), tenantID, actorID, targetID, intent)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": d.Allowed, "reason": d.Reason})
}

type changeRoleRequest struct {
	Role           string `json:"role" validate:"required,oneof=TOP MID BASE"`
	AllowAdminless bool   `json:"allow_adminless"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.ChangeRole(r.Context(), ChangeRoleInput{
		TenantID:       tenantID,
		ActorID:        actorID,
		TargetID:       targetID,
		NewRole:        hierarchy.TenantRole(req.Role),
		AllowAdminless: req.AllowAdminless,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type setActiveRequest struct {
	Active         *bool `json:"active" validate:"required"`
	AllowAdminless bool  `json:"allow_adminless"`
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.SetActive(r.Context(), SetActiveInput{
		TenantID:       tenantID,
		ActorID:        actorID,
		TargetID:       targetID,
		Active:         *req.Active,
		AllowAdminless: req.AllowAdminless,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type assignSupervisorRequest struct {
	SupervisorID *int64 `json:"supervisor_id"`
}

func (h *Handler) assignSupervisor(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req assignSupervisorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	err := h.service.AssignSupervisor(r.Context(), AssignSupervisorInput{
		TenantID:     tenantID,
		ActorID:      actorID,
		MemberID:     memberID,
		SupervisorID: req.SupervisorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathID(w, r, "tenantID")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	allowAdminless := r.URL.Query().Get("allow_adminless") == "true"
	err := h.service.Remove(r.Context(), RemoveInput{
		TenantID:       tenantID,
		ActorID:        actorID,
		TargetID:       targetID,
		AllowAdminless: allowAdminless,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid path parameter", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := shared.ActorID(r.Context())
	if !ok {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonNoIdentity))
		return 0, false
	}
	return actorID, true
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

// respondError maps domain failures to the error taxonomy: manage denials
// are 403 with the decision reason, invariant conflicts 409, supervisor
// validation 400, missing rows 404. Anything else is a storage failure.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var denied *AccessDeniedError
	switch {
	case errors.As(err, &denied):
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(denied.Reason))
	case errors.Is(err, ErrSingleAdminViolation):
		httpx.ProblemCode(w, http.StatusConflict, "conflict", "single_admin_violation")
	case errors.Is(err, ErrInvalidSupervisor):
		httpx.ProblemCode(w, http.StatusBadRequest, "invalid supervisor", "invalid_supervisor")
	case errors.Is(err, ErrTargetNotFound):
		httpx.ProblemCode(w, http.StatusNotFound, "not found", string(hierarchy.ReasonTargetNotFound))
	default:
		h.logger.Error("membership request failed", slog.Any("error", err))
		httpx.ProblemCode(w, http.StatusInternalServerError, "internal error", "storage_error")
	}
}
