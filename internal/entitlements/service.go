package entitlements

import (
	"context"
	"strconv"
	"time"

	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/hierarchy"
	"github.com/kompasshq/kompass/internal/membership"
)

// SubjectResolver loads a user's standing within a tenant.
type SubjectResolver interface {
	Subject(ctx context.Context, tenantID, userID int64) (hierarchy.Subject, error)
}

// Service answers module access questions and administers the two gate
// layers. Decisions are computed by the pure engine; this layer only loads
// the state the engine asks for, fetching the per-user override lazily
// because platform staff and tenant admins never need it.
type Service struct {
	repo     Repository
	subjects SubjectResolver
	recorder audit.Recorder
	observer membership.DecisionObserver
	now      func() time.Time
}

// NewService constructs a Service. A nil recorder disables audit emission.
func NewService(repo Repository, subjects SubjectResolver, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{repo: repo, subjects: subjects, recorder: recorder, now: time.Now}
}

// WithObserver installs a decision metrics sink.
func (s *Service) WithObserver(observer membership.DecisionObserver) {
	s.observer = observer
}

// CanAccess decides whether userID may use module within tenantID. A nil
// userID means the request carried no identity.
func (s *Service) CanAccess(ctx context.Context, tenantID int64, userID *int64, module string) (hierarchy.Decision, error) {
	if module == "" {
		return hierarchy.Decision{}, ErrModuleRequired
	}
	ent, err := s.repo.GetEntitlement(ctx, tenantID, module)
	if err != nil {
		return hierarchy.Decision{}, err
	}
	q := hierarchy.AccessQuery{ModuleEnabled: ent != nil && ent.Enabled}
	if q.ModuleEnabled && userID != nil {
		subject, err := s.subjects.Subject(ctx, tenantID, *userID)
		if err != nil {
			return hierarchy.Decision{}, err
		}
		q.Actor = &subject
		if level, ok := hierarchy.ResolveLevel(subject); ok && level > hierarchy.LevelTenantAdmin {
			rule, err := s.repo.GetUserRule(ctx, tenantID, *userID, module)
			if err != nil {
				return hierarchy.Decision{}, err
			}
			q.UserRule = rule
		}
	}
	decision := hierarchy.CanAccessModule(q)
	if s.observer != nil {
		s.observer.ObserveDecision("can_access", decision.Allowed, string(decision.Reason))
	}
	return decision, nil
}

// Probe answers an access question on behalf of an actor. Self-probes are
// open to anyone; probing another user's access requires tenant admin
// standing or better.
func (s *Service) Probe(ctx context.Context, tenantID, actorID int64, targetID *int64, module string) (hierarchy.Decision, error) {
	if targetID != nil && *targetID != actorID {
		if err := s.requireAdmin(ctx, tenantID, actorID); err != nil {
			return hierarchy.Decision{}, err
		}
		return s.CanAccess(ctx, tenantID, targetID, module)
	}
	return s.CanAccess(ctx, tenantID, &actorID, module)
}

// List returns a tenant's module switches. Viewing requires tenant admin
// standing or better.
func (s *Service) List(ctx context.Context, tenantID, actorID int64) ([]Entitlement, error) {
	if err := s.requireAdmin(ctx, tenantID, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListByTenant(ctx, tenantID)
}

// SetModule flips a tenant-wide module switch.
func (s *Service) SetModule(ctx context.Context, in SetModuleInput) error {
	if in.Module == "" {
		return ErrModuleRequired
	}
	if err := s.requireAdmin(ctx, in.TenantID, in.ActorID); err != nil {
		return err
	}
	prev, err := s.repo.GetEntitlement(ctx, in.TenantID, in.Module)
	if err != nil {
		return err
	}
	err = s.repo.UpsertEntitlement(ctx, Entitlement{
		TenantID: in.TenantID,
		Module:   in.Module,
		Enabled:  in.Enabled,
		Limits:   in.Limits,
	})
	if err != nil {
		return err
	}
	before := map[string]any{"enabled": false}
	if prev != nil {
		before["enabled"] = prev.Enabled
	}
	s.recorder.Record(ctx, audit.Entry{
		TenantID: in.TenantID,
		ActorID:  in.ActorID,
		Action:   audit.ActionModuleToggle,
		TargetID: in.Module,
		Before:   before,
		After:    map[string]any{"enabled": in.Enabled},
		At:       s.now().UTC(),
	})
	return nil
}

// SetUserRule stores a per-user override. The actor needs edit authority
// over the target; the target must sit below the tenant admin tier.
func (s *Service) SetUserRule(ctx context.Context, in SetUserRuleInput) error {
	if in.Module == "" {
		return ErrModuleRequired
	}
	prev, err := s.authorizeRuleChange(ctx, in.TenantID, in.ActorID, in.TargetID, in.Module)
	if err != nil {
		return err
	}
	err = s.repo.UpsertUserRule(ctx, UserEntitlement{
		TenantID: in.TenantID,
		UserID:   in.TargetID,
		Module:   in.Module,
		Allowed:  in.Allowed,
	})
	if err != nil {
		return err
	}
	s.emitRuleChange(ctx, in.TenantID, in.ActorID, in.TargetID, in.Module, prev, &in.Allowed)
	return nil
}

// ClearUserRule deletes a per-user override, restoring the "no rule yet"
// state.
func (s *Service) ClearUserRule(ctx context.Context, in ClearUserRuleInput) error {
	if in.Module == "" {
		return ErrModuleRequired
	}
	prev, err := s.authorizeRuleChange(ctx, in.TenantID, in.ActorID, in.TargetID, in.Module)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if err := s.repo.DeleteUserRule(ctx, in.TenantID, in.TargetID, in.Module); err != nil {
		return err
	}
	s.emitRuleChange(ctx, in.TenantID, in.ActorID, in.TargetID, in.Module, prev, nil)
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, tenantID, actorID int64) error {
	subject, err := s.subjects.Subject(ctx, tenantID, actorID)
	if err != nil {
		return err
	}
	level, ok := hierarchy.ResolveLevel(subject)
	if !ok {
		return membership.Denied(hierarchy.ReasonActorLevelUnknown)
	}
	if level > hierarchy.LevelTenantAdmin {
		return membership.Denied(hierarchy.ReasonHierarchyForbidden)
	}
	return nil
}

func (s *Service) authorizeRuleChange(ctx context.Context, tenantID, actorID, targetID int64, module string) (*bool, error) {
	actorSubj, err := s.subjects.Subject(ctx, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	targetSubj, err := s.subjects.Subject(ctx, tenantID, targetID)
	if err != nil {
		return nil, err
	}
	if d := hierarchy.CanManage(actorSubj, targetSubj, hierarchy.IntentEdit); !d.Allowed {
		return nil, membership.Denied(d.Reason)
	}
	targetLevel, _ := hierarchy.ResolveLevel(targetSubj)
	if targetLevel <= hierarchy.LevelTenantAdmin {
		return nil, ErrRuleNotApplicable
	}
	return s.repo.GetUserRule(ctx, tenantID, targetID, module)
}

func (s *Service) emitRuleChange(ctx context.Context, tenantID, actorID, targetID int64, module string, prev, next *bool) {
	before := map[string]any{"module": module, "allowed": nil}
	if prev != nil {
		before["allowed"] = *prev
	}
	after := map[string]any{"module": module, "allowed": nil}
	if next != nil {
		after["allowed"] = *next
	}
	s.recorder.Record(ctx, audit.Entry{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   audit.ActionUserRuleChange,
		TargetID: strconv.FormatInt(targetID, 10),
		Before:   before,
		After:    after,
		At:       s.now().UTC(),
	})
}
