// Package membership maintains the per-tenant membership records and the
// mutating guards around them: role changes under the single-admin
// invariant, activity and soft-delete lifecycle, and the supervisor
// assignment graph with cascade on manager removal.
package membership

import (
	"errors"
	"fmt"
	"time"

	"github.com/kompasshq/kompass/internal/hierarchy"
)

// Membership is one user's record within a tenant. A user has at most one
// row per tenant; rows are soft-deleted, never removed, so audit history
// stays resolvable.
type Membership struct {
	ID           int64
	UserID       int64
	TenantID     int64
	Role         hierarchy.TenantRole
	IsActive     bool
	SupervisorID *int64
	DeletedAt    *time.Time
	DeletedBy    *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// View exposes the engine's snapshot of the row. Safe on nil.
func (m *Membership) View() *hierarchy.Membership {
	if m == nil {
		return nil
	}
	return &hierarchy.Membership{
		UserID:       m.UserID,
		TenantID:     m.TenantID,
		Role:         m.Role,
		IsActive:     m.IsActive,
		SupervisorID: m.SupervisorID,
		DeletedAt:    m.DeletedAt,
	}
}

// PlatformAssignment ties a user to a platform rank.
type PlatformAssignment struct {
	UserID    int64
	Rank      int16
	GrantedAt time.Time
}

// CascadePolicy selects what happens to a removed manager's reports.
type CascadePolicy string

const (
	// CascadeClear nulls the supervisor reference of every report.
	CascadeClear CascadePolicy = "clear"
	// CascadeReassign moves reports to the remaining active manager with
	// the lowest user id, clearing when none is left. Deterministic by
	// construction.
	CascadeReassign CascadePolicy = "reassign"
)

// ChangeRoleInput describes a role mutation.
type ChangeRoleInput struct {
	TenantID int64
	ActorID  int64
	TargetID int64
	NewRole  hierarchy.TenantRole
	// AllowAdminless is the explicit branch that lets a tenant be left
	// without any TOP administrator. Never implied.
	AllowAdminless bool
}

// SetActiveInput describes an activation or deactivation.
type SetActiveInput struct {
	TenantID       int64
	ActorID        int64
	TargetID       int64
	Active         bool
	AllowAdminless bool
}

// RemoveInput describes a soft deletion.
type RemoveInput struct {
	TenantID       int64
	ActorID        int64
	TargetID       int64
	AllowAdminless bool
}

// AssignSupervisorInput describes a supervisor edge mutation. A nil
// SupervisorID clears the edge.
type AssignSupervisorInput struct {
	TenantID     int64
	ActorID      int64
	MemberID     int64
	SupervisorID *int64
}

// ErrTargetNotFound indicates the target membership is missing or
// soft-deleted.
var ErrTargetNotFound = errors.New("membership: target not found")

// ErrSingleAdminViolation is the conflict raised when an operation would
// leave a tenant with zero or more than one active TOP administrator.
var ErrSingleAdminViolation = errors.New("membership: operation violates single-admin invariant")

// ErrInvalidSupervisor covers every rejected supervisor assignment; the
// wrapped variants say which rule failed.
var ErrInvalidSupervisor = errors.New("membership: invalid supervisor")

var (
	ErrSupervisorSelf      = fmt.Errorf("%w: member cannot supervise themselves", ErrInvalidSupervisor)
	ErrSupervisorNotFound  = fmt.Errorf("%w: supervisor has no active membership in tenant", ErrInvalidSupervisor)
	ErrSupervisorWrongRole = fmt.Errorf("%w: supervisor must hold the manager role", ErrInvalidSupervisor)
	ErrMemberNotBase       = fmt.Errorf("%w: only base members take a supervisor", ErrInvalidSupervisor)
)

// AccessDeniedError carries the engine's denial reason for callers to map
// to a 403-equivalent response.
type AccessDeniedError struct {
	Reason hierarchy.Reason
}

func (e *AccessDeniedError) Error() string {
	return "membership: access denied: " + string(e.Reason)
}

// Denied wraps a reason as an error.
func Denied(reason hierarchy.Reason) error {
	return &AccessDeniedError{Reason: reason}
}
