// Package hierarchy implements the rank model and the pure authorization
// decisions for Kompass: the unified level ordering across the platform and
// tenant hierarchies, module access resolution, and the manage-decision
// rules between users. The package performs no I/O; callers load state and
// pass snapshots in.
package hierarchy

import "time"

// Domain identifies which hierarchy a rank belongs to.
type Domain string

const (
	DomainPlatform Domain = "platform"
	DomainTenant   Domain = "tenant"
)

// PlatformTenantID is the distinguished tenant that anchors platform staff
// accounts.
const PlatformTenantID int64 = 1

// Platform rank values. Lower is higher authority; when a user holds several
// assignments the minimum wins.
const (
	PlatformRankOperator int16 = 1
	PlatformRankSupport  int16 = 2
)

// TenantRole enumerates the per-tenant hierarchy tiers.
type TenantRole string

const (
	RoleTop  TenantRole = "TOP"
	RoleMid  TenantRole = "MID"
	RoleBase TenantRole = "BASE"
)

// Valid reports whether the role is one of the closed set.
func (r TenantRole) Valid() bool {
	switch r {
	case RoleTop, RoleMid, RoleBase:
		return true
	}
	return false
}

// Level is the unified L1..L5 ordering derived from (domain, rank).
// Smaller values carry more authority.
type Level int

const (
	LevelOperator    Level = iota + 1 // L1: platform operator
	LevelSupport                      // L2: platform support
	LevelTenantAdmin                  // L3: tenant administrator
	LevelManager                      // L4: tenant manager
	LevelMember                       // L5: tenant member
)

func (l Level) String() string {
	switch l {
	case LevelOperator:
		return "L1"
	case LevelSupport:
		return "L2"
	case LevelTenantAdmin:
		return "L3"
	case LevelManager:
		return "L4"
	case LevelMember:
		return "L5"
	}
	return "L?"
}

// Platform reports whether the level belongs to the platform staff domain.
func (l Level) Platform() bool {
	return l == LevelOperator || l == LevelSupport
}

// Levels lists every level in authority order, highest first.
func Levels() []Level {
	return []Level{LevelOperator, LevelSupport, LevelTenantAdmin, LevelManager, LevelMember}
}

// Intent enumerates administrative actions one user may request on another.
type Intent string

const (
	IntentView   Intent = "view"
	IntentEdit   Intent = "edit"
	IntentStatus Intent = "status"
	IntentRole   Intent = "role"
	IntentDelete Intent = "delete"
)

// Valid reports whether the intent is one of the defined actions.
func (i Intent) Valid() bool {
	switch i {
	case IntentView, IntentEdit, IntentStatus, IntentRole, IntentDelete:
		return true
	}
	return false
}

// Intents lists all manage intents.
func Intents() []Intent {
	return []Intent{IntentView, IntentEdit, IntentStatus, IntentRole, IntentDelete}
}

// Reason is a machine-readable decision code. Callers map reasons to
// user-facing messages and HTTP statuses; the engine never produces
// display strings.
type Reason string

const (
	// Module access outcomes.
	ReasonTenantOff        Reason = "tenant_off"
	ReasonNoIdentity       Reason = "no_identity"
	ReasonNoMembership     Reason = "no_membership"
	ReasonPlatformOverride Reason = "platform_override"
	ReasonTenantAdmin      Reason = "tenant_admin"
	ReasonUserRuleOn       Reason = "user_rule_on"
	ReasonUserRuleOff      Reason = "user_rule_off"
	ReasonNoUserRule       Reason = "no_user_rule"

	// Manage outcomes.
	ReasonSelfDeleteForbidden Reason = "self_delete_forbidden"
	ReasonSelfManageForbidden Reason = "self_manage_forbidden"
	ReasonSelfManageAllowed   Reason = "self_manage_allowed"
	ReasonPeerManageForbidden Reason = "peer_manage_forbidden"
	ReasonHierarchyForbidden  Reason = "hierarchy_forbidden"
	ReasonHierarchyContains   Reason = "hierarchy_contains"
	ReasonActorLevelUnknown   Reason = "actor_level_unknown"
	ReasonTargetNotFound      Reason = "target_not_found"
)

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow(r Reason) Decision { return Decision{Allowed: true, Reason: r} }
func deny(r Reason) Decision  { return Decision{Allowed: false, Reason: r} }

// Membership is the engine's read-only view of a tenant membership row.
type Membership struct {
	UserID       int64
	TenantID     int64
	Role         TenantRole
	IsActive     bool
	SupervisorID *int64
	DeletedAt    *time.Time
}

// ActiveNow is the single activity predicate used by every rule in this
// package: a membership counts only when present, active, and not
// soft-deleted.
func (m *Membership) ActiveNow() bool {
	return m != nil && m.IsActive && m.DeletedAt == nil
}

// Subject is a snapshot of one user's standing, resolved against a single
// tenant. PlatformRanks holds every platform assignment the user has;
// Membership is the user's row in the tenant under evaluation, nil when
// none exists.
type Subject struct {
	UserID        int64
	PlatformRanks []int16
	Membership    *Membership
}
