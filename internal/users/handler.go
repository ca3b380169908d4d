package users

import (
	"context"
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

// Handler wires HTTP endpoints for account administration.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers tenant-scoped account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.provision)
}

// MountPlatformRoutes registers the platform rank administration routes.
func (h *Handler) MountPlatformRoutes(r chi.Router) {
	r.Post("/ranks", h.grantRank)
	r.Delete("/ranks", h.revokeRank)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	rows, err := h.service.ListByTenant(r.Context(), tenantID, actorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rows == nil {
		rows = []User{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": rows})
}

type provisionRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	tenantID, actorID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req provisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	user, err := h.service.Provision(r.Context(), ProvisionInput{
		ActorID:  actorID,
		TenantID: tenantID,
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

type rankRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
	Rank   int16 `json:"rank" validate:"required"`
}

func (h *Handler) grantRank(w http.ResponseWriter, r *http.Request) {
	h.changeRank(w, r, h.service.GrantPlatformRank)
}

func (h *Handler) revokeRank(w http.ResponseWriter, r *http.Request) {
	h.changeRank(w, r, h.service.RevokePlatformRank)
}

func (h *Handler) changeRank(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, in RankChangeInput) error) {
	actorID, ok := shared.ActorID(r.Context())
	if !ok {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonNoIdentity))
		return
	}
	var req rankRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err := apply(r.Context(), RankChangeInput{ActorID: actorID, UserID: req.UserID, Rank: req.Rank}); err != nil {
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

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var denied *membership.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(denied.Reason))
	case errors.Is(err, ErrEmailTaken):
		httpx.Problem(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ErrUnknownRank):
		httpx.Problem(w, http.StatusBadRequest, "invalid rank", err.Error())
	default:
		h.logger.Error("users request failed", slog.Any("error", err))
		httpx.ProblemCode(w, http.StatusInternalServerError, "internal error", "storage_error")
	}
}
