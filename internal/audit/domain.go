// Package audit defines the audit contract for mutating authorization
// decisions: action codes, the before/after payload shape, a fire-and-forget
// recorder, and the timeline read API. Storage of entries happens in the
// background worker; emission never blocks or rolls back the mutation that
// produced it.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Action codes emitted by the engine. The sink stores them verbatim.
const (
	ActionRoleChange        = "membership.role_change"
	ActionStatusChange      = "membership.status_change"
	ActionMembershipDelete  = "membership.delete"
	ActionSupervisorChange  = "membership.supervisor_change"
	ActionModuleToggle      = "entitlement.module_toggle"
	ActionUserRuleChange    = "entitlement.user_rule_change"
	ActionUserProvision     = "user.provision"
	ActionImpersonateStart  = "session.impersonate_start"
	ActionImpersonateEnd    = "session.impersonate_end"
)

// Entry is one audit record. Before and After carry only the fields the
// operation changed.
type Entry struct {
	ID       string         `json:"id"`
	TenantID int64          `json:"tenant_id"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	TargetID string         `json:"target_id"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	At       time.Time      `json:"at"`
}

// Validate checks the minimum shape the sink requires.
func (e Entry) Validate() error {
	if e.TenantID == 0 {
		return errors.New("audit: tenant id required")
	}
	if e.ActorID == 0 {
		return errors.New("audit: actor id required")
	}
	if strings.TrimSpace(e.Action) == "" || strings.TrimSpace(e.TargetID) == "" {
		return errors.New("audit: action and target id required")
	}
	return nil
}

// Recorder accepts entries for eventual persistence. Implementations must
// not block the caller on sink failures.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}
