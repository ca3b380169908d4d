package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/auth"
	"github.com/kompasshq/kompass/internal/entitlements"
	"github.com/kompasshq/kompass/internal/membership"
	"github.com/kompasshq/kompass/internal/observability"
	"github.com/kompasshq/kompass/internal/shared"
	"github.com/kompasshq/kompass/internal/users"
	"github.com/kompasshq/kompass/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	SessionManager      *shared.SessionManager
	AuthHandler         *auth.Handler
	MembershipHandler   *membership.Handler
	EntitlementsHandler *entitlements.Handler
	UsersHandler        *users.Handler
	AuditHandler        *audit.Handler
	ModuleGate          *entitlements.Middleware
	JobsHandler         *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with Kompass defaults. Everything
// except health and metrics lives under a tenant scope so every decision
// has its tenant in the path.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		if params.MembershipHandler != nil {
			r.Route("/members", params.MembershipHandler.MountRoutes)
		}
		if params.EntitlementsHandler != nil {
			r.Route("/entitlements", params.EntitlementsHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			// The timeline itself is an entitled module: tenants without
			// it see the same denial shape as any other gated feature.
			r.Route("/audit", func(r chi.Router) {
				if params.ModuleGate != nil {
					r.Use(params.ModuleGate.RequireModule("audit_trail"))
				}
				params.AuditHandler.MountRoutes(r)
			})
		}
	})

	if params.UsersHandler != nil {
		r.Route("/platform", params.UsersHandler.MountPlatformRoutes)
	}

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
