package hierarchy

// RoleLevel maps a tenant role to its unified level.
func RoleLevel(role TenantRole) (Level, bool) {
	switch role {
	case RoleTop:
		return LevelTenantAdmin, true
	case RoleMid:
		return LevelManager, true
	case RoleBase:
		return LevelMember, true
	}
	return 0, false
}

// LevelRole is the inverse of RoleLevel for tenant-domain levels.
func LevelRole(level Level) (TenantRole, bool) {
	switch level {
	case LevelTenantAdmin:
		return RoleTop, true
	case LevelManager:
		return RoleMid, true
	case LevelMember:
		return RoleBase, true
	}
	return "", false
}

// ResolveLevel computes the subject's effective level. Platform assignments
// dominate: the minimum platform rank present wins over any tenant
// membership. A tenant membership counts only while ActiveNow. The second
// return is false when the subject holds no rank at all, which callers must
// treat as "no access".
func ResolveLevel(s Subject) (Level, bool) {
	if rank, ok := minPlatformRank(s.PlatformRanks); ok {
		switch rank {
		case PlatformRankOperator:
			return LevelOperator, true
		case PlatformRankSupport:
			return LevelSupport, true
		}
		// Unknown platform ranks confer nothing rather than guessing.
	}
	if s.Membership.ActiveNow() {
		if level, ok := RoleLevel(s.Membership.Role); ok {
			return level, true
		}
	}
	return 0, false
}

func minPlatformRank(ranks []int16) (int16, bool) {
	if len(ranks) == 0 {
		return 0, false
	}
	min := ranks[0]
	for _, r := range ranks[1:] {
		if r < min {
			min = r
		}
	}
	return min, true
}
