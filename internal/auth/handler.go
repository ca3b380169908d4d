package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/hierarchy"
	"github.com/kompasshq/kompass/internal/platform/httpx"
	"github.com/kompasshq/kompass/internal/shared"
)

// RankSource reports a user's platform rank assignments.
type RankSource interface {
	PlatformRanks(ctx context.Context, userID int64) ([]int16, error)
}

// Handler wires HTTP endpoints for authentication and impersonation flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	ranks          RankSource
	recorder       audit.Recorder
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, ranks RankSource, recorder audit.Recorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		ranks:          ranks,
		recorder:       recorder,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/act-as", h.startActAs)
	r.Delete("/act-as", h.endActAs)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": user.ID})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type actAsRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// startActAs lets platform staff impersonate a user. Every downstream
// decision then runs against the impersonated identity; the operator's own
// identity stays on the session and in the audit trail.
func (h *Handler) startActAs(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	operatorID, ok := h.sessionUser(sess)
	if !ok {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonNoIdentity))
		return
	}
	var req actAsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if req.UserID == operatorID {
		httpx.Problem(w, http.StatusBadRequest, "invalid target", "cannot impersonate yourself")
		return
	}
	ranks, err := h.ranks.PlatformRanks(r.Context(), operatorID)
	if err != nil {
		h.logger.Error("load platform ranks", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if !platformStaff(ranks) {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonHierarchyForbidden))
		return
	}
	sess.SetActAs(strconv.FormatInt(req.UserID, 10))
	h.recorder.Record(r.Context(), audit.Entry{
		TenantID: hierarchy.PlatformTenantID,
		ActorID:  operatorID,
		Action:   audit.ActionImpersonateStart,
		TargetID: strconv.FormatInt(req.UserID, 10),
		At:       time.Now().UTC(),
	})
	httpx.JSON(w, http.StatusOK, map[string]any{"acting_as": req.UserID})
}

func (h *Handler) endActAs(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	operatorID, ok := h.sessionUser(sess)
	if !ok {
		httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(hierarchy.ReasonNoIdentity))
		return
	}
	target := sess.ActAs()
	sess.ClearActAs()
	if target != "" {
		h.recorder.Record(r.Context(), audit.Entry{
			TenantID: hierarchy.PlatformTenantID,
			ActorID:  operatorID,
			Action:   audit.ActionImpersonateEnd,
			TargetID: target,
			At:       time.Now().UTC(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) sessionUser(sess *shared.Session) (int64, bool) {
	if sess == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func platformStaff(ranks []int16) bool {
	for _, rank := range ranks {
		if rank == hierarchy.PlatformRankOperator || rank == hierarchy.PlatformRankSupport {
			return true
		}
	}
	return false
}
