// Package entitlements manages the two-layer feature gate: a tenant-wide
// module switch, plus per-user overrides consulted only for members below
// the tenant admin rank. The absence of an override row is preserved as a
// distinct state from an explicit false.
package entitlements

import (
	"errors"
	"time"
)

// Entitlement is the tenant-wide switch for one feature module, with
// optional structured limits (quotas, plan metadata) attached.
type Entitlement struct {
	TenantID  int64          `json:"tenant_id"`
	Module    string         `json:"module"`
	Enabled   bool           `json:"enabled"`
	Limits    map[string]any `json:"limits,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UserEntitlement is one user's override for a module within a tenant.
// Rows exist only once an administrator has decided either way.
type UserEntitlement struct {
	UserID    int64     `json:"user_id"`
	TenantID  int64     `json:"tenant_id"`
	Module    string    `json:"module"`
	Allowed   bool      `json:"allowed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetModuleInput toggles a tenant's module switch.
type SetModuleInput struct {
	TenantID int64
	ActorID  int64
	Module   string
	Enabled  bool
	Limits   map[string]any
}

// SetUserRuleInput sets a per-user override.
type SetUserRuleInput struct {
	TenantID int64
	ActorID  int64
	TargetID int64
	Module   string
	Allowed  bool
}

// ClearUserRuleInput removes a per-user override, returning the pair to the
// "no rule yet" state.
type ClearUserRuleInput struct {
	TenantID int64
	ActorID  int64
	TargetID int64
	Module   string
}

// ErrModuleRequired rejects inputs without a module key.
var ErrModuleRequired = errors.New("entitlements: module is required")

// ErrRuleNotApplicable rejects per-user overrides for platform staff and
// tenant admins; the resolver never consults overrides for those tiers, so
// storing one would only mislead.
var ErrRuleNotApplicable = errors.New("entitlements: user rule only applies to manager and base ranks")
