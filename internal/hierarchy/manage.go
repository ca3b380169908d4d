package hierarchy

// containment is the fixed table of which levels may administer which.
// Every (actor, target) pair is spelled out; pairs absent from the table
// are denied, so a new level cannot silently fall through to "allowed".
var containment = map[Level]map[Level]bool{
	LevelOperator:    {LevelSupport: true, LevelTenantAdmin: true, LevelManager: true, LevelMember: true},
	LevelSupport:     {LevelTenantAdmin: true, LevelManager: true, LevelMember: true},
	LevelTenantAdmin: {LevelManager: true, LevelMember: true},
	LevelManager:     {LevelMember: true},
	LevelMember:      {},
}

// Manages reports whether the actor level strictly contains the target
// level in the containment table.
func Manages(actor, target Level) bool {
	return containment[actor][target]
}

// TopRankAuthority is the weakest level still allowed to grant or remove
// the TOP tenant rank. Both platform tiers qualify; a tenant admin never
// does. Kept as one named constant so the policy is decided in exactly one
// place.
const TopRankAuthority = LevelSupport

// MayAdministerTopRank reports whether the level may create or remove a
// TOP-rank tenant membership.
func MayAdministerTopRank(l Level) bool {
	return l <= TopRankAuthority
}

// CanManage decides whether the actor may perform intent on the target.
// Both subjects must be resolved against the same tenant, with the target
// snapshot taken from the current (pre-mutation) membership state. Rules
// apply in fixed precedence:
//
//  1. nobody may delete their own account, at any level
//  2. self-targeted intents are reserved for L1
//  3. equal levels never administer one another
//  4. otherwise the containment table decides
func CanManage(actor, target Subject, intent Intent) Decision {
	actorLevel, ok := ResolveLevel(actor)
	if !ok {
		return deny(ReasonActorLevelUnknown)
	}
	targetLevel, ok := ResolveLevel(target)
	if !ok {
		return deny(ReasonTargetNotFound)
	}
	if actor.UserID == target.UserID {
		if intent == IntentDelete {
			return deny(ReasonSelfDeleteForbidden)
		}
		if actorLevel == LevelOperator {
			return allow(ReasonSelfManageAllowed)
		}
		return deny(ReasonSelfManageForbidden)
	}
	if actorLevel == targetLevel {
		return deny(ReasonPeerManageForbidden)
	}
	if Manages(actorLevel, targetLevel) {
		return allow(ReasonHierarchyContains)
	}
	return deny(ReasonHierarchyForbidden)
}

// CanAssignLevel re-validates a role change against the requested new
// level: promoting or demoting must itself respect containment, so handing
// out the tenant admin rank requires platform authority, not merely the
// ability to manage the current holder.
func CanAssignLevel(actor Subject, newLevel Level) Decision {
	actorLevel, ok := ResolveLevel(actor)
	if !ok {
		return deny(ReasonActorLevelUnknown)
	}
	if Manages(actorLevel, newLevel) {
		return allow(ReasonHierarchyContains)
	}
	return deny(ReasonHierarchyForbidden)
}
