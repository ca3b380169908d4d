package membership

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kompasshq/kompass/internal/audit"
	"github.com/kompasshq/kompass/internal/hierarchy"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepo struct {
	memberships map[string]*Membership // tenant:user -> row
	ranks       map[int64][]int16
	nextID      int64
	txErr       error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		memberships: make(map[string]*Membership),
		ranks:       make(map[int64][]int16),
		nextID:      1,
	}
}

func key(tenantID, userID int64) string {
	return fmt.Sprintf("%d:%d", tenantID, userID)
}

func (m *mockRepo) addMembership(tenantID, userID int64, role hierarchy.TenantRole, active bool) *Membership {
	row := &Membership{
		ID:       m.nextID,
		UserID:   userID,
		TenantID: tenantID,
		Role:     role,
		IsActive: active,
	}
	m.nextID++
	m.memberships[key(tenantID, userID)] = row
	return row
}

func (m *mockRepo) GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	row, ok := m.memberships[key(tenantID, userID)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (m *mockRepo) PlatformRanks(ctx context.Context, userID int64) ([]int16, error) {
	return m.ranks[userID], nil
}

func (m *mockRepo) Subject(ctx context.Context, tenantID, userID int64) (hierarchy.Subject, error) {
	row, _ := m.GetMembership(ctx, tenantID, userID)
	return hierarchy.Subject{UserID: userID, PlatformRanks: m.ranks[userID], Membership: row.View()}, nil
}

func (m *mockRepo) ListByTenant(ctx context.Context, tenantID int64, includeDeleted bool) ([]Membership, error) {
	var result []Membership
	for _, row := range m.memberships {
		if row.TenantID != tenantID {
			continue
		}
		if !includeDeleted && row.DeletedAt != nil {
			continue
		}
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *mockRepo) ListReports(ctx context.Context, tenantID, supervisorUserID int64) ([]Membership, error) {
	var result []Membership
	for _, row := range m.memberships {
		if row.TenantID == tenantID && row.DeletedAt == nil && row.SupervisorID != nil && *row.SupervisorID == supervisorUserID {
			result = append(result, *row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *mockRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	return fn(ctx, &mockTx{repo: m})
}

type mockTx struct {
	repo *mockRepo
}

func (t *mockTx) GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	return t.repo.GetMembership(ctx, tenantID, userID)
}

func (t *mockTx) GetMembershipForUpdate(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	return t.repo.GetMembership(ctx, tenantID, userID)
}

func (t *mockTx) PlatformRanks(ctx context.Context, userID int64) ([]int16, error) {
	return t.repo.ranks[userID], nil
}

func (t *mockTx) ActiveTopForUpdate(ctx context.Context, tenantID int64) (*Membership, error) {
	for _, row := range t.repo.memberships {
		if row.TenantID == tenantID && row.Role == hierarchy.RoleTop && row.IsActive && row.DeletedAt == nil {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (t *mockTx) ActiveManagers(ctx context.Context, tenantID int64, exceptUserID int64) ([]Membership, error) {
	var result []Membership
	for _, row := range t.repo.memberships {
		if row.TenantID == tenantID && row.Role == hierarchy.RoleMid && row.IsActive && row.DeletedAt == nil && row.UserID != exceptUserID {
			result = append(result, *row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (t *mockTx) byID(id int64) *Membership {
	for _, row := range t.repo.memberships {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (t *mockTx) UpdateRole(ctx context.Context, id int64, role hierarchy.TenantRole) error {
	t.byID(id).Role = role
	return nil
}

func (t *mockTx) UpdateActive(ctx context.Context, id int64, active bool) error {
	t.byID(id).IsActive = active
	return nil
}

func (t *mockTx) MarkDeleted(ctx context.Context, id int64, actorID int64, at time.Time) error {
	row := t.byID(id)
	row.DeletedAt = &at
	row.DeletedBy = &actorID
	row.IsActive = false
	return nil
}

func (t *mockTx) SetSupervisor(ctx context.Context, id int64, supervisorID *int64) error {
	t.byID(id).SupervisorID = supervisorID
	return nil
}

func (t *mockTx) ClearSupervisorRefs(ctx context.Context, tenantID, supervisorUserID int64) ([]int64, error) {
	var affected []int64
	for _, row := range t.repo.memberships {
		if row.TenantID == tenantID && row.DeletedAt == nil && row.SupervisorID != nil && *row.SupervisorID == supervisorUserID {
			row.SupervisorID = nil
			affected = append(affected, row.UserID)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, nil
}

func (t *mockTx) ReassignSupervisorRefs(ctx context.Context, tenantID, fromUserID, toUserID int64) ([]int64, error) {
	var affected []int64
	for _, row := range t.repo.memberships {
		if row.TenantID == tenantID && row.DeletedAt == nil && row.SupervisorID != nil && *row.SupervisorID == fromUserID {
			to := toUserID
			row.SupervisorID = &to
			affected = append(affected, row.UserID)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, nil
}

type mockRecorder struct {
	entries []audit.Entry
}

func (m *mockRecorder) Record(ctx context.Context, entry audit.Entry) {
	m.entries = append(m.entries, entry)
}

// ============================================================================
// FIXTURES
// ============================================================================

const tenantID = int64(2)

func newService(repo *mockRepo) (*Service, *mockRecorder) {
	rec := &mockRecorder{}
	svc := NewService(repo, rec, CascadeClear)
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) })
	return svc, rec
}

func countActiveTop(t *testing.T, repo *mockRepo) int {
	t.Helper()
	count := 0
	for _, row := range repo.memberships {
		if row.TenantID == tenantID && row.Role == hierarchy.RoleTop && row.IsActive && row.DeletedAt == nil {
			count++
		}
	}
	return count
}

// ============================================================================
// ROLE CHANGES & SINGLE-ADMIN INVARIANT
// ============================================================================

func TestPromoteToTopDemotesIncumbentAtomically(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankSupport} // L2 actor
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 11, hierarchy.RoleMid, true)
	svc, rec := newService(repo)

	err := svc.PromoteToTop(context.Background(), tenantID, 5, 11)
	require.NoError(t, err)

	assert.Equal(t, hierarchy.RoleTop, repo.memberships[key(tenantID, 11)].Role)
	assert.Equal(t, hierarchy.RoleMid, repo.memberships[key(tenantID, 10)].Role)
	assert.Equal(t, 1, countActiveTop(t, repo))

	require.Len(t, rec.entries, 2)
	assert.Equal(t, audit.ActionRoleChange, rec.entries[0].Action)
	assert.Equal(t, "10", rec.entries[0].TargetID)
	assert.Equal(t, "11", rec.entries[1].TargetID)
	assert.EqualValues(t, 10, rec.entries[1].After["demoted_incumbent"])
}

func TestPromoteToTopRepeatedSequencesKeepInvariant(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankOperator}
	repo.addMembership(tenantID, 10, hierarchy.RoleMid, true)
	repo.addMembership(tenantID, 11, hierarchy.RoleMid, true)
	repo.addMembership(tenantID, 12, hierarchy.RoleMid, true)
	svc, _ := newService(repo)

	for _, target := range []int64{10, 11, 12, 10, 12} {
		require.NoError(t, svc.PromoteToTop(context.Background(), tenantID, 5, target))
		require.Equal(t, 1, countActiveTop(t, repo))
	}
}

func TestPromoteSuspendedMemberToTopReinstatesThem(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankSupport}
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleBase, false)
	svc, rec := newService(repo)

	err := svc.PromoteToTop(context.Background(), tenantID, 5, 20)
	require.NoError(t, err)

	newTop := repo.memberships[key(tenantID, 20)]
	assert.Equal(t, hierarchy.RoleTop, newTop.Role)
	assert.True(t, newTop.IsActive)
	assert.Equal(t, hierarchy.RoleMid, repo.memberships[key(tenantID, 10)].Role)
	assert.Equal(t, 1, countActiveTop(t, repo))

	require.Len(t, rec.entries, 2)
	assert.Equal(t, "20", rec.entries[1].TargetID)
	assert.Equal(t, true, rec.entries[1].After["reinstated"])
}

func TestTenantAdminCannotGrantTopRank(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 11, hierarchy.RoleMid, true)
	svc, rec := newService(repo)

	err := svc.PromoteToTop(context.Background(), tenantID, 10, 11)

	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, hierarchy.ReasonHierarchyForbidden, denied.Reason)
	assert.Empty(t, rec.entries)
	assert.Equal(t, hierarchy.RoleMid, repo.memberships[key(tenantID, 11)].Role)
}

func TestPeerAdminsCannotChangeEachOthersRole(t *testing.T) {
	repo := newMockRepo()
	// The storage constraint forbids two active TOP rows, but the decision
	// must already reject the pairing on its own.
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 11, hierarchy.RoleTop, true)
	svc, _ := newService(repo)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 10, TargetID: 11, NewRole: hierarchy.RoleMid})

	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, hierarchy.ReasonPeerManageForbidden, denied.Reason)
}

func TestDemoteLastAdminNeedsExplicitBranch(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankSupport}
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	svc, rec := newService(repo)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 5, TargetID: 10, NewRole: hierarchy.RoleMid})
	require.ErrorIs(t, err, ErrSingleAdminViolation)
	assert.Equal(t, 1, countActiveTop(t, repo))
	assert.Empty(t, rec.entries)

	err = svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 5, TargetID: 10, NewRole: hierarchy.RoleMid, AllowAdminless: true})
	require.NoError(t, err)
	assert.Equal(t, 0, countActiveTop(t, repo))
	require.Len(t, rec.entries, 1)
}

func TestUnknownActorDenied(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 11, hierarchy.RoleBase, true)
	svc, _ := newService(repo)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 99, TargetID: 11, NewRole: hierarchy.RoleMid})

	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, hierarchy.ReasonActorLevelUnknown, denied.Reason)
}

func TestChangeRoleMissingTargetDenied(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	svc, _ := newService(repo)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 10, TargetID: 99, NewRole: hierarchy.RoleBase})

	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, hierarchy.ReasonTargetNotFound, denied.Reason)
}

// ============================================================================
// SUPERVISOR CASCADE
// ============================================================================

func addReport(repo *mockRepo, userID, supervisorID int64) {
	row := repo.addMembership(tenantID, userID, hierarchy.RoleBase, true)
	sup := supervisorID
	row.SupervisorID = &sup
}

func TestDemotingManagerClearsReports(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	addReport(repo, 30, 20)
	addReport(repo, 31, 20)
	svc, rec := newService(repo)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 10, TargetID: 20, NewRole: hierarchy.RoleBase})
	require.NoError(t, err)

	assert.Nil(t, repo.memberships[key(tenantID, 30)].SupervisorID)
	assert.Nil(t, repo.memberships[key(tenantID, 31)].SupervisorID)
	assert.Equal(t, hierarchy.RoleBase, repo.memberships[key(tenantID, 20)].Role)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, []int64{30, 31}, rec.entries[0].After["reports_affected"])
}

func TestDeactivatingManagerClearsReports(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	addReport(repo, 30, 20)
	svc, _ := newService(repo)

	err := svc.SetActive(context.Background(), SetActiveInput{TenantID: tenantID, ActorID: 10, TargetID: 20, Active: false})
	require.NoError(t, err)

	assert.False(t, repo.memberships[key(tenantID, 20)].IsActive)
	assert.Nil(t, repo.memberships[key(tenantID, 30)].SupervisorID)
}

func TestRemovingManagerClearsReports(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankSupport}
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	addReport(repo, 30, 20)
	svc, _ := newService(repo)

	err := svc.Remove(context.Background(), RemoveInput{TenantID: tenantID, ActorID: 5, TargetID: 20})
	require.NoError(t, err)

	row := repo.memberships[key(tenantID, 20)]
	require.NotNil(t, row.DeletedAt)
	assert.EqualValues(t, 5, *row.DeletedBy)
	assert.Nil(t, repo.memberships[key(tenantID, 30)].SupervisorID)
}

func TestCascadeReassignMovesReportsDeterministically(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	repo.addMembership(tenantID, 22, hierarchy.RoleMid, true)
	repo.addMembership(tenantID, 21, hierarchy.RoleMid, true)
	addReport(repo, 30, 20)
	addReport(repo, 31, 20)
	rec := &mockRecorder{}
	svc := NewService(repo, rec, CascadeReassign)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 10, TargetID: 20, NewRole: hierarchy.RoleBase})
	require.NoError(t, err)

	// Lowest remaining manager id wins.
	require.NotNil(t, repo.memberships[key(tenantID, 30)].SupervisorID)
	assert.EqualValues(t, 21, *repo.memberships[key(tenantID, 30)].SupervisorID)
	assert.EqualValues(t, 21, *repo.memberships[key(tenantID, 31)].SupervisorID)
}

func TestCascadeReassignFallsBackToClear(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	addReport(repo, 30, 20)
	svc := NewService(repo, nil, CascadeReassign)

	err := svc.ChangeRole(context.Background(), ChangeRoleInput{TenantID: tenantID, ActorID: 10, TargetID: 20, NewRole: hierarchy.RoleBase})
	require.NoError(t, err)
	assert.Nil(t, repo.memberships[key(tenantID, 30)].SupervisorID)
}

// ============================================================================
// STATUS & DELETE
// ============================================================================

func TestDeactivateLastAdminRejected(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankOperator}
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	svc, _ := newService(repo)

	err := svc.SetActive(context.Background(), SetActiveInput{TenantID: tenantID, ActorID: 5, TargetID: 10, Active: false})
	require.ErrorIs(t, err, ErrSingleAdminViolation)

	err = svc.SetActive(context.Background(), SetActiveInput{TenantID: tenantID, ActorID: 5, TargetID: 10, Active: false, AllowAdminless: true})
	require.NoError(t, err)
	assert.Equal(t, 0, countActiveTop(t, repo))
}

func TestReactivatingSecondAdminRejected(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankOperator}
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 11, hierarchy.RoleTop, false)
	svc, _ := newService(repo)

	err := svc.SetActive(context.Background(), SetActiveInput{TenantID: tenantID, ActorID: 5, TargetID: 11, Active: true})
	require.ErrorIs(t, err, ErrSingleAdminViolation)
	assert.Equal(t, 1, countActiveTop(t, repo))
}

func TestSelfDeleteAlwaysForbidden(t *testing.T) {
	repo := newMockRepo()
	repo.ranks[5] = []int16{hierarchy.PlatformRankOperator}
	repo.addMembership(tenantID, 5, hierarchy.RoleBase, true)
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	svc, _ := newService(repo)

	// Not even the platform operator, not even with the adminless branch.
	for _, actorID := range []int64{5, 10} {
		err := svc.Remove(context.Background(), RemoveInput{TenantID: tenantID, ActorID: actorID, TargetID: actorID, AllowAdminless: true})
		var denied *AccessDeniedError
		require.ErrorAs(t, err, &denied, "actor %d", actorID)
		assert.Equal(t, hierarchy.ReasonSelfDeleteForbidden, denied.Reason)
	}
}

func TestMemberManagesNobody(t *testing.T) {
	repo := newMockRepo()
	repo.addMembership(tenantID, 40, hierarchy.RoleBase, true)
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	repo.addMembership(tenantID, 41, hierarchy.RoleBase, true)
	svc, _ := newService(repo)

	for _, targetID := range []int64{10, 20, 41} {
		for _, intent := range hierarchy.Intents() {
			d, err := svc.CanManage(context.Background(), tenantID, 40, targetID, intent)
			require.NoError(t, err)
			assert.False(t, d.Allowed, "member managed %d with %s", targetID, intent)
		}
	}
}

// ============================================================================
// SUPERVISOR ASSIGNMENT
// ============================================================================

func supervisorFixture() *mockRepo {
	repo := newMockRepo()
	repo.addMembership(tenantID, 10, hierarchy.RoleTop, true)
	repo.addMembership(tenantID, 20, hierarchy.RoleMid, true)
	repo.addMembership(tenantID, 30, hierarchy.RoleBase, true)
	return repo
}

func sup(id int64) *int64 { return &id }

func TestAssignSupervisor(t *testing.T) {
	repo := supervisorFixture()
	svc, rec := newService(repo)

	err := svc.AssignSupervisor(context.Background(), AssignSupervisorInput{TenantID: tenantID, ActorID: 10, MemberID: 30, SupervisorID: sup(20)})
	require.NoError(t, err)
	require.NotNil(t, repo.memberships[key(tenantID, 30)].SupervisorID)
	assert.EqualValues(t, 20, *repo.memberships[key(tenantID, 30)].SupervisorID)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, audit.ActionSupervisorChange, rec.entries[0].Action)
}

func TestAssignSupervisorRejections(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(*mockRepo)
		member  int64
		supID   *int64
		wantErr error
	}{
		{"self supervision", nil, 30, sup(30), ErrSupervisorSelf},
		{"supervisor is base rank", func(r *mockRepo) { r.addMembership(tenantID, 31, hierarchy.RoleBase, true) }, 30, sup(31), ErrSupervisorWrongRole},
		{"supervisor inactive", func(r *mockRepo) { r.memberships[key(tenantID, 20)].IsActive = false }, 30, sup(20), ErrSupervisorNotFound},
		{"supervisor in another tenant", func(r *mockRepo) { r.addMembership(9, 25, hierarchy.RoleMid, true) }, 30, sup(25), ErrSupervisorNotFound},
		{"manager member rejected", func(r *mockRepo) { r.addMembership(tenantID, 21, hierarchy.RoleMid, true) }, 21, sup(20), ErrMemberNotBase},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := supervisorFixture()
			if tc.prepare != nil {
				tc.prepare(repo)
			}
			svc, _ := newService(repo)
			err := svc.AssignSupervisor(context.Background(), AssignSupervisorInput{TenantID: tenantID, ActorID: 10, MemberID: tc.member, SupervisorID: tc.supID})
			require.ErrorIs(t, err, tc.wantErr)
			require.ErrorIs(t, err, ErrInvalidSupervisor)
		})
	}
}

func TestClearSupervisorAlwaysAllowedWithManageAuthority(t *testing.T) {
	repo := supervisorFixture()
	addReport(repo, 31, 20)
	svc, _ := newService(repo)

	// The member's own manager clears the edge via edit authority.
	err := svc.AssignSupervisor(context.Background(), AssignSupervisorInput{TenantID: tenantID, ActorID: 20, MemberID: 31, SupervisorID: nil})
	require.NoError(t, err)
	assert.Nil(t, repo.memberships[key(tenantID, 31)].SupervisorID)
}

func TestAssignSupervisorWithoutAuthorityDenied(t *testing.T) {
	repo := supervisorFixture()
	repo.addMembership(tenantID, 31, hierarchy.RoleBase, true)
	svc, _ := newService(repo)

	err := svc.AssignSupervisor(context.Background(), AssignSupervisorInput{TenantID: tenantID, ActorID: 31, MemberID: 30, SupervisorID: sup(20)})
	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, hierarchy.ReasonPeerManageForbidden, denied.Reason)
}
