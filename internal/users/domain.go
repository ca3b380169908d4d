// Package users provisions accounts and administers platform rank
// assignments. Accounts are anchored to exactly one tenant at creation and
// are never hard-deleted; only memberships are.
package users

import (
	"errors"
	"time"
)

// User represents a user account.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	TenantID  int64     `json:"tenant_id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProvisionInput creates an account plus its initial base-rank membership.
// Higher ranks are granted afterwards through the membership surface, so
// every elevation passes the same guard.
type ProvisionInput struct {
	ActorID  int64
	TenantID int64
	Email    string
	Name     string
	Password string
}

// RankChangeInput grants or revokes one platform rank.
type RankChangeInput struct {
	ActorID int64
	UserID  int64
	Rank    int16
}

// ErrEmailTaken indicates the email is already registered.
var ErrEmailTaken = errors.New("users: email already registered")

// ErrUnknownRank rejects rank values outside the defined platform tiers.
var ErrUnknownRank = errors.New("users: unknown platform rank")
