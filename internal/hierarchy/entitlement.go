package hierarchy

// AccessQuery bundles the state needed to decide module access. The caller
// loads the tenant switch, the acting subject, and (for L4/L5 subjects) the
// per-user override; a nil Actor means no identity was supplied, a nil
// UserRule means no override row exists, which is distinct from an explicit
// false.
type AccessQuery struct {
	ModuleEnabled bool
	Actor         *Subject
	UserRule      *bool
}

// CanAccessModule decides whether the actor may use a feature module within
// a tenant. Evaluation short-circuits in fixed order: the tenant-wide
// switch dominates everything, then identity, then platform staff bypass,
// then the tenant admin grant, and finally the per-user override for lower
// tiers. The three lower-tier deny reasons stay distinguishable because
// "not granted yet", "explicitly revoked", and "not a member" are different
// operational situations.
func CanAccessModule(q AccessQuery) Decision {
	if !q.ModuleEnabled {
		return deny(ReasonTenantOff)
	}
	if q.Actor == nil {
		return deny(ReasonNoIdentity)
	}
	level, ok := ResolveLevel(*q.Actor)
	if !ok {
		return deny(ReasonNoMembership)
	}
	switch level {
	case LevelOperator, LevelSupport:
		return allow(ReasonPlatformOverride)
	case LevelTenantAdmin:
		return allow(ReasonTenantAdmin)
	}
	if q.UserRule == nil {
		return deny(ReasonNoUserRule)
	}
	if *q.UserRule {
		return allow(ReasonUserRuleOn)
	}
	return deny(ReasonUserRuleOff)
}
