package entitlements

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kompasshq/kompass/internal/platform/httpx"
	"github.com/kompasshq/kompass/internal/shared"
)

// Middleware gates HTTP routes behind the module entitlement check.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireModule denies the request unless the acting user may use the
// module within the tenant named in the route. The denial reason travels in
// the problem document's code field so clients can tell "tenant has the
// feature off" apart from "you were never granted it".
func (m Middleware) RequireModule(module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
			if err != nil || tenantID <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "invalid tenant", "tenant id must be a positive integer")
				return
			}
			var userID *int64
			if id, ok := shared.ActorID(r.Context()); ok {
				userID = &id
			}
			decision, err := m.Service.CanAccess(r.Context(), tenantID, userID, module)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("module access check", slog.String("module", module), slog.Any("error", err))
				}
				httpx.ProblemCode(w, http.StatusInternalServerError, "internal error", "storage_error")
				return
			}
			if !decision.Allowed {
				httpx.ProblemCode(w, http.StatusForbidden, "forbidden", string(decision.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
