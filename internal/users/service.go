package users

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/hierarchy"
	"github.com/kompasshq/kompass/internal/membership"
)

// SubjectResolver loads a user's standing within a tenant.
type SubjectResolver interface {
	Subject(ctx context.Context, tenantID, userID int64) (hierarchy.Subject, error)
}

// Service handles account provisioning and platform rank administration.
type Service struct {
	repo     RepositoryPort
	subjects SubjectResolver
	recorder audit.Recorder
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, subjects SubjectResolver, recorder audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Service{repo: repo, subjects: subjects, recorder: recorder, now: time.Now}
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByTenant returns accounts anchored to the tenant. Requires tenant
// admin standing or better.
func (s *Service) ListByTenant(ctx context.Context, tenantID, actorID int64) ([]User, error) {
	if err := s.requireLevel(ctx, tenantID, actorID, hierarchy.LevelTenantAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListByTenant(ctx, tenantID)
}

// Provision creates an account anchored to a tenant, always at base rank.
// Elevations go through the membership surface afterwards so every rank
// change passes the same guard and leaves the same audit trail.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (*User, error) {
	if err := s.requireLevel(ctx, in.TenantID, in.ActorID, hierarchy.LevelTenantAdmin); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	id, err := s.repo.Create(ctx, User{Email: in.Email, Name: in.Name, TenantID: in.TenantID}, string(hash))
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Entry{
		TenantID: in.TenantID,
		ActorID:  in.ActorID,
		Action:   audit.ActionUserProvision,
		TargetID: strconv.FormatInt(id, 10),
		After:    map[string]any{"email": in.Email, "role": string(hierarchy.RoleBase)},
		At:       s.now().UTC(),
	})
	return s.repo.GetByID(ctx, id)
}

// GrantPlatformRank hands out a platform tier. Only the top platform
// operator may change platform rank assignments.
func (s *Service) GrantPlatformRank(ctx context.Context, in RankChangeInput) error {
	if err := s.validRank(in.Rank); err != nil {
		return err
	}
	if err := s.requireOperator(ctx, in.ActorID); err != nil {
		return err
	}
	if err := s.repo.GrantPlatformRank(ctx, in.UserID, in.Rank); err != nil {
		return err
	}
	s.emitRankChange(ctx, in, "grant")
	return nil
}

// RevokePlatformRank removes a platform tier.
func (s *Service) RevokePlatformRank(ctx context.Context, in RankChangeInput) error {
	if err := s.validRank(in.Rank); err != nil {
		return err
	}
	if err := s.requireOperator(ctx, in.ActorID); err != nil {
		return err
	}
	if err := s.repo.RevokePlatformRank(ctx, in.UserID, in.Rank); err != nil {
		return err
	}
	s.emitRankChange(ctx, in, "revoke")
	return nil
}

func (s *Service) validRank(rank int16) error {
	if rank != hierarchy.PlatformRankOperator && rank != hierarchy.PlatformRankSupport {
		return ErrUnknownRank
	}
	return nil
}

func (s *Service) requireLevel(ctx context.Context, tenantID, actorID int64, max hierarchy.Level) error {
	subject, err := s.subjects.Subject(ctx, tenantID, actorID)
	if err != nil {
		return err
	}
	level, ok := hierarchy.ResolveLevel(subject)
	if !ok {
		return membership.Denied(hierarchy.ReasonActorLevelUnknown)
	}
	if level > max {
		return membership.Denied(hierarchy.ReasonHierarchyForbidden)
	}
	return nil
}

func (s *Service) requireOperator(ctx context.Context, actorID int64) error {
	ranks, err := s.repo.PlatformRanks(ctx, actorID)
	if err != nil {
		return err
	}
	for _, rank := range ranks {
		if rank == hierarchy.PlatformRankOperator {
			return nil
		}
	}
	return membership.Denied(hierarchy.ReasonHierarchyForbidden)
}

func (s *Service) emitRankChange(ctx context.Context, in RankChangeInput, kind string) {
	s.recorder.Record(ctx, audit.Entry{
		TenantID: hierarchy.PlatformTenantID,
		ActorID:  in.ActorID,
		Action:   audit.ActionRoleChange,
		TargetID: strconv.FormatInt(in.UserID, 10),
		After:    map[string]any{"platform_rank": in.Rank, "change": kind},
		At:       s.now().UTC(),
	})
}
