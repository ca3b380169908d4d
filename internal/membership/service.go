package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/hierarchy"
)

// DecisionObserver counts authorization outcomes for monitoring.
type DecisionObserver interface {
	ObserveDecision(operation string, allowed bool, reason string)
}

// Service orchestrates membership mutations. Every mutation resolves the
// acting and target subjects inside the same transaction that performs the
// write, so the decision and the state it was made against cannot drift.
type Service struct {
	repo     Repository
	recorder audit.Recorder
	cascade  CascadePolicy
	observer DecisionObserver
	now      func() time.Time
}

// NewService constructs a Service. A nil recorder disables audit emission.
func NewService(repo Repository, recorder audit.Recorder, cascade CascadePolicy) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if cascade != CascadeReassign {
		cascade = CascadeClear
	}
	return &Service{repo: repo, recorder: recorder, cascade: cascade, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithObserver installs a decision metrics sink.
func (s *Service) WithObserver(observer DecisionObserver) {
	s.observer = observer
}

func (s *Service) observe(operation string, d hierarchy.Decision) {
	if s.observer != nil {
		s.observer.ObserveDecision(operation, d.Allowed, string(d.Reason))
	}
}

// Get returns a membership or ErrTargetNotFound.
func (s *Service) Get(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	m, err := s.repo.GetMembership(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrTargetNotFound
	}
	return m, nil
}

// ListByTenant returns memberships for a tenant.
func (s *Service) ListByTenant(ctx context.Context, tenantID int64, includeDeleted bool) ([]Membership, error) {
	return s.repo.ListByTenant(ctx, tenantID, includeDeleted)
}

// ListReports returns the base members supervised by the given manager.
func (s *Service) ListReports(ctx context.Context, tenantID, supervisorUserID int64) ([]Membership, error) {
	return s.repo.ListReports(ctx, tenantID, supervisorUserID)
}

// CanManage answers a read-style manage question against current state.
// Both subjects load concurrently; no locks are taken.
func (s *Service) CanManage(ctx context.Context, tenantID, actorID, targetID int64, intent hierarchy.Intent) (hierarchy.Decision, error) {
	var actorSubj, targetSubj hierarchy.Subject
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		actorSubj, err = s.repo.Subject(gctx, tenantID, actorID)
		return err
	})
	g.Go(func() error {
		var err error
		targetSubj, err = s.repo.Subject(gctx, tenantID, targetID)
		return err
	})
	if err := g.Wait(); err != nil {
		return hierarchy.Decision{}, err
	}
	decision := hierarchy.CanManage(actorSubj, targetSubj, intent)
	s.observe("can_manage", decision)
	return decision, nil
}

// PromoteToTop raises the target to the TOP role, demoting any incumbent
// administrator in the same transaction.
func (s *Service) PromoteToTop(ctx context.Context, tenantID, actorID, targetID int64) error {
	return s.ChangeRole(ctx, ChangeRoleInput{TenantID: tenantID, ActorID: actorID, TargetID: targetID, NewRole: hierarchy.RoleTop})
}

// ChangeRole mutates the target's tenant role under the manage rules, the
// single-admin invariant, and the supervisor cascade.
func (s *Service) ChangeRole(ctx context.Context, in ChangeRoleInput) error {
	if in.TenantID == 0 || in.ActorID == 0 || in.TargetID == 0 {
		return errors.New("membership: tenant, actor, and target are required")
	}
	if !in.NewRole.Valid() {
		return fmt.Errorf("membership: unknown role %q", in.NewRole)
	}
	newLevel, _ := hierarchy.RoleLevel(in.NewRole)

	var entries []audit.Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		actorSubj, targetSubj, target, err := s.resolvePair(ctx, tx, in.TenantID, in.ActorID, in.TargetID)
		if err != nil {
			return err
		}
		if d := hierarchy.CanManage(actorSubj, targetSubj, hierarchy.IntentRole); !d.Allowed {
			return Denied(d.Reason)
		}
		if d := hierarchy.CanAssignLevel(actorSubj, newLevel); !d.Allowed {
			return Denied(d.Reason)
		}
		if target == nil {
			return ErrTargetNotFound
		}
		if target.Role == in.NewRole {
			return nil
		}
		actorLevel, _ := hierarchy.ResolveLevel(actorSubj)
		if (target.Role == hierarchy.RoleTop || in.NewRole == hierarchy.RoleTop) && !hierarchy.MayAdministerTopRank(actorLevel) {
			return Denied(hierarchy.ReasonHierarchyForbidden)
		}

		after := map[string]any{"role": string(in.NewRole)}

		if in.NewRole == hierarchy.RoleTop {
			// The TOP seat is an active seat. A suspended target is
			// reinstated in the same transaction, otherwise demoting the
			// incumbent would leave the tenant with zero active admins.
			if !target.IsActive {
				if err := tx.UpdateActive(ctx, target.ID, true); err != nil {
					return err
				}
				after["reinstated"] = true
			}
			incumbent, err := tx.ActiveTopForUpdate(ctx, in.TenantID)
			if err != nil {
				return err
			}
			if incumbent != nil && incumbent.UserID != target.UserID {
				if err := tx.UpdateRole(ctx, incumbent.ID, hierarchy.RoleMid); err != nil {
					return err
				}
				after["demoted_incumbent"] = incumbent.UserID
				entries = append(entries, s.entry(in.TenantID, in.ActorID, audit.ActionRoleChange, incumbent.UserID,
					map[string]any{"role": string(hierarchy.RoleTop)},
					map[string]any{"role": string(hierarchy.RoleMid), "cause": "incumbent_demotion"}))
			}
		}
		if target.Role == hierarchy.RoleTop && in.NewRole != hierarchy.RoleTop && !in.AllowAdminless {
			return ErrSingleAdminViolation
		}

		if target.Role == hierarchy.RoleMid {
			affected, reassignedTo, err := s.cascadeReports(ctx, tx, in.TenantID, target.UserID)
			if err != nil {
				return err
			}
			if len(affected) > 0 {
				after["reports_affected"] = affected
				if reassignedTo != nil {
					after["reports_reassigned_to"] = *reassignedTo
				}
			}
		}
		if in.NewRole != hierarchy.RoleBase && target.SupervisorID != nil {
			if err := tx.SetSupervisor(ctx, target.ID, nil); err != nil {
				return err
			}
		}
		if err := tx.UpdateRole(ctx, target.ID, in.NewRole); err != nil {
			return err
		}
		entries = append(entries, s.entry(in.TenantID, in.ActorID, audit.ActionRoleChange, target.UserID,
			map[string]any{"role": string(target.Role)}, after))
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, entries)
	return nil
}

// SetActive toggles a membership's active flag.
func (s *Service) SetActive(ctx context.Context, in SetActiveInput) error {
	if in.TenantID == 0 || in.ActorID == 0 || in.TargetID == 0 {
		return errors.New("membership: tenant, actor, and target are required")
	}
	var entries []audit.Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		actorSubj, targetSubj, target, err := s.resolvePair(ctx, tx, in.TenantID, in.ActorID, in.TargetID)
		if err != nil {
			return err
		}
		if d := hierarchy.CanManage(actorSubj, targetSubj, hierarchy.IntentStatus); !d.Allowed {
			return Denied(d.Reason)
		}
		if target == nil {
			return ErrTargetNotFound
		}
		if target.IsActive == in.Active {
			return nil
		}
		if target.Role == hierarchy.RoleTop {
			actorLevel, _ := hierarchy.ResolveLevel(actorSubj)
			if !hierarchy.MayAdministerTopRank(actorLevel) {
				return Denied(hierarchy.ReasonHierarchyForbidden)
			}
			if !in.Active && !in.AllowAdminless {
				return ErrSingleAdminViolation
			}
			if in.Active {
				incumbent, err := tx.ActiveTopForUpdate(ctx, in.TenantID)
				if err != nil {
					return err
				}
				if incumbent != nil && incumbent.UserID != target.UserID {
					return ErrSingleAdminViolation
				}
			}
		}
		after := map[string]any{"is_active": in.Active}
		if target.Role == hierarchy.RoleMid && !in.Active {
			affected, reassignedTo, err := s.cascadeReports(ctx, tx, in.TenantID, target.UserID)
			if err != nil {
				return err
			}
			if len(affected) > 0 {
				after["reports_affected"] = affected
				if reassignedTo != nil {
					after["reports_reassigned_to"] = *reassignedTo
				}
			}
		}
		if err := tx.UpdateActive(ctx, target.ID, in.Active); err != nil {
			return err
		}
		entries = append(entries, s.entry(in.TenantID, in.ActorID, audit.ActionStatusChange, target.UserID,
			map[string]any{"is_active": target.IsActive}, after))
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, entries)
	return nil
}

// Remove soft-deletes a membership. The row survives so audit history
// stays resolvable; the self-delete ban is absolute.
func (s *Service) Remove(ctx context.Context, in RemoveInput) error {
	if in.TenantID == 0 || in.ActorID == 0 || in.TargetID == 0 {
		return errors.New("membership: tenant, actor, and target are required")
	}
	var entries []audit.Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		actorSubj, targetSubj, target, err := s.resolvePair(ctx, tx, in.TenantID, in.ActorID, in.TargetID)
		if err != nil {
			return err
		}
		if d := hierarchy.CanManage(actorSubj, targetSubj, hierarchy.IntentDelete); !d.Allowed {
			return Denied(d.Reason)
		}
		if target == nil {
			return ErrTargetNotFound
		}
		if target.Role == hierarchy.RoleTop {
			actorLevel, _ := hierarchy.ResolveLevel(actorSubj)
			if !hierarchy.MayAdministerTopRank(actorLevel) {
				return Denied(hierarchy.ReasonHierarchyForbidden)
			}
			if !in.AllowAdminless {
				return ErrSingleAdminViolation
			}
		}
		after := map[string]any{"deleted": true}
		if target.Role == hierarchy.RoleMid {
			affected, reassignedTo, err := s.cascadeReports(ctx, tx, in.TenantID, target.UserID)
			if err != nil {
				return err
			}
			if len(affected) > 0 {
				after["reports_affected"] = affected
				if reassignedTo != nil {
					after["reports_reassigned_to"] = *reassignedTo
				}
			}
		}
		if err := tx.MarkDeleted(ctx, target.ID, in.ActorID, s.now().UTC()); err != nil {
			return err
		}
		entries = append(entries, s.entry(in.TenantID, in.ActorID, audit.ActionMembershipDelete, target.UserID,
			map[string]any{"deleted": false, "role": string(target.Role)}, after))
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, entries)
	return nil
}

// AssignSupervisor sets or clears the manager→member edge. Clearing is
// always permitted with manage authority over the member; setting demands
// an active same-tenant manager and a base-rank member. The two-level
// graph cannot form cycles, but self-supervision is still rejected as the
// degenerate one-node case.
func (s *Service) AssignSupervisor(ctx context.Context, in AssignSupervisorInput) error {
	if in.TenantID == 0 || in.ActorID == 0 || in.MemberID == 0 {
		return errors.New("membership: tenant, actor, and member are required")
	}
	var entries []audit.Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		actorSubj, memberSubj, member, err := s.resolvePair(ctx, tx, in.TenantID, in.ActorID, in.MemberID)
		if err != nil {
			return err
		}
		if d := hierarchy.CanManage(actorSubj, memberSubj, hierarchy.IntentEdit); !d.Allowed {
			return Denied(d.Reason)
		}
		if member == nil {
			return ErrTargetNotFound
		}
		if in.SupervisorID == nil {
			if member.SupervisorID == nil {
				return nil
			}
			if err := tx.SetSupervisor(ctx, member.ID, nil); err != nil {
				return err
			}
			entries = append(entries, s.entry(in.TenantID, in.ActorID, audit.ActionSupervisorChange, member.UserID,
				map[string]any{"supervisor_id": *member.SupervisorID}, map[string]any{"supervisor_id": nil}))
			return nil
		}

		supervisorID := *in.SupervisorID
		if supervisorID == in.MemberID {
			return ErrSupervisorSelf
		}
		if member.Role != hierarchy.RoleBase {
			return ErrMemberNotBase
		}
		supervisor, err := tx.GetMembership(ctx, in.TenantID, supervisorID)
		if err != nil {
			return err
		}
		if !supervisor.View().ActiveNow() {
			return ErrSupervisorNotFound
		}
		if supervisor.Role != hierarchy.RoleMid {
			return ErrSupervisorWrongRole
		}
		if err := tx.SetSupervisor(ctx, member.ID, &supervisorID); err != nil {
			return err
		}
		before := map[string]any{"supervisor_id": nil}
		if member.SupervisorID != nil {
			before["supervisor_id"] = *member.SupervisorID
		}
		entries = append(entries, s.entry(in.TenantID, in.ActorID, audit.ActionSupervisorChange, member.UserID,
			before, map[string]any{"supervisor_id": supervisorID}))
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, entries)
	return nil
}

// resolvePair loads the actor subject and locks the target row. The target
// row comes back even when soft-deleted so the engine can say
// target_not_found itself; target platform ranks load too because platform
// staff are manageable targets without any tenant membership.
func (s *Service) resolvePair(ctx context.Context, tx TxRepository, tenantID, actorID, targetID int64) (hierarchy.Subject, hierarchy.Subject, *Membership, error) {
	actorRanks, err := tx.PlatformRanks(ctx, actorID)
	if err != nil {
		return hierarchy.Subject{}, hierarchy.Subject{}, nil, err
	}
	actorMem, err := tx.GetMembership(ctx, tenantID, actorID)
	if err != nil {
		return hierarchy.Subject{}, hierarchy.Subject{}, nil, err
	}
	targetRanks, err := tx.PlatformRanks(ctx, targetID)
	if err != nil {
		return hierarchy.Subject{}, hierarchy.Subject{}, nil, err
	}
	target, err := tx.GetMembershipForUpdate(ctx, tenantID, targetID)
	if err != nil {
		return hierarchy.Subject{}, hierarchy.Subject{}, nil, err
	}
	// A suspended row is still an administrable target; only missing or
	// soft-deleted memberships read as not found. Without this, nobody
	// could ever reactivate a deactivated member.
	targetView := target.View()
	if targetView != nil && targetView.DeletedAt == nil {
		targetView.IsActive = true
	}
	actorSubj := hierarchy.Subject{UserID: actorID, PlatformRanks: actorRanks, Membership: actorMem.View()}
	targetSubj := hierarchy.Subject{UserID: targetID, PlatformRanks: targetRanks, Membership: targetView}
	return actorSubj, targetSubj, target, nil
}

func (s *Service) cascadeReports(ctx context.Context, tx TxRepository, tenantID, managerUserID int64) ([]int64, *int64, error) {
	if s.cascade == CascadeReassign {
		managers, err := tx.ActiveManagers(ctx, tenantID, managerUserID)
		if err != nil {
			return nil, nil, err
		}
		if len(managers) > 0 {
			to := managers[0].UserID
			affected, err := tx.ReassignSupervisorRefs(ctx, tenantID, managerUserID, to)
			if err != nil {
				return nil, nil, err
			}
			return affected, &to, nil
		}
	}
	affected, err := tx.ClearSupervisorRefs(ctx, tenantID, managerUserID)
	return affected, nil, err
}

func (s *Service) entry(tenantID, actorID int64, action string, targetUserID int64, before, after map[string]any) audit.Entry {
	return audit.Entry{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		TargetID: strconv.FormatInt(targetUserID, 10),
		Before:   before,
		After:    after,
		At:       s.now().UTC(),
	}
}

func (s *Service) emit(ctx context.Context, entries []audit.Entry) {
	for _, e := range entries {
		s.recorder.Record(ctx, e)
	}
}
