package hierarchy

import (
	"testing"
	"time"
)

func membership(role TenantRole, active bool, deleted bool) *Membership {
	m := &Membership{UserID: 7, TenantID: 2, Role: role, IsActive: active}
	if deleted {
		at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		m.DeletedAt = &at
	}
	return m
}

func TestResolveLevel(t *testing.T) {
	cases := []struct {
		name  string
		subj  Subject
		want  Level
		found bool
	}{
		{"operator rank wins", Subject{UserID: 1, PlatformRanks: []int16{1}}, LevelOperator, true},
		{"support rank", Subject{UserID: 1, PlatformRanks: []int16{2}}, LevelSupport, true},
		{"minimum platform rank dominates", Subject{UserID: 1, PlatformRanks: []int16{2, 1, 2}}, LevelOperator, true},
		{"platform beats tenant membership", Subject{UserID: 1, PlatformRanks: []int16{2}, Membership: membership(RoleTop, true, false)}, LevelSupport, true},
		{"tenant admin", Subject{UserID: 1, Membership: membership(RoleTop, true, false)}, LevelTenantAdmin, true},
		{"tenant manager", Subject{UserID: 1, Membership: membership(RoleMid, true, false)}, LevelManager, true},
		{"tenant member", Subject{UserID: 1, Membership: membership(RoleBase, true, false)}, LevelMember, true},
		{"inactive membership resolves to nothing", Subject{UserID: 1, Membership: membership(RoleTop, false, false)}, 0, false},
		{"soft-deleted membership resolves to nothing", Subject{UserID: 1, Membership: membership(RoleMid, true, true)}, 0, false},
		{"no membership at all", Subject{UserID: 1}, 0, false},
		{"unknown platform rank confers nothing", Subject{UserID: 1, PlatformRanks: []int16{9}}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ResolveLevel(tc.subj)
			if ok != tc.found {
				t.Fatalf("found = %v, want %v", ok, tc.found)
			}
			if ok && got != tc.want {
				t.Fatalf("level = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRoleLevelRoundTrip(t *testing.T) {
	for _, role := range []TenantRole{RoleTop, RoleMid, RoleBase} {
		level, ok := RoleLevel(role)
		if !ok {
			t.Fatalf("RoleLevel(%s) not found", role)
		}
		back, ok := LevelRole(level)
		if !ok || back != role {
			t.Fatalf("LevelRole(%s) = %s, want %s", level, back, role)
		}
	}
	if _, ok := RoleLevel(TenantRole("OWNER")); ok {
		t.Fatal("unexpected level for unknown role")
	}
	if _, ok := LevelRole(LevelOperator); ok {
		t.Fatal("platform level must not map to a tenant role")
	}
}

func TestActiveNowPredicate(t *testing.T) {
	var nilMembership *Membership
	if nilMembership.ActiveNow() {
		t.Fatal("nil membership must not be active")
	}
	if membership(RoleBase, false, false).ActiveNow() {
		t.Fatal("inactive membership must not be active")
	}
	if membership(RoleBase, true, true).ActiveNow() {
		t.Fatal("soft-deleted membership must not be active")
	}
	if !membership(RoleBase, true, false).ActiveNow() {
		t.Fatal("active membership reported inactive")
	}
}
