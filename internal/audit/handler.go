package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kompasshq/kompass/internal/hierarchy"
	"github.com/kompasshq/kompass/internal/platform/httpx"
	"github.com/kompasshq/kompass/internal/shared"
)

// SubjectResolver loads a user's standing within a tenant.
type SubjectResolver interface {
	Subject(ctx context.Context, tenantID, userID int64) (hierarchy.Subject, error)
}

// Handler serves the tenant audit timeline.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	resolver SubjectResolver
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver SubjectResolver) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, resolver: resolver}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.timeline)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || tenantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "invalid tenant", "tenant id must be a positive integer")
		return
	}
	actorID, ok := shared.ActorID(ctx)
	if !ok {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonNoIdentity))
		return
	}
	subject, err := h.resolver.Subject(ctx, tenantID, actorID)
	if err != nil {
		h.logger.Error("resolve audit viewer", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	level, resolved := hierarchy.ResolveLevel(subject)
	if !resolved || level > hierarchy.LevelTenantAdmin {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonHierarchyForbidden))
		return
	}

	filters := TimelineFilters{TenantID: tenantID}
	q := r.URL.Query()
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	filters.ActorID, _ = strconv.ParseInt(q.Get("actor_id"), 10, 64)
	filters.Action = q.Get("action")
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.To = t
		}
	}

	result, err := h.service.Timeline(ctx, filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries": result.Rows,
		"paging":  result.Paging,
	})
}
