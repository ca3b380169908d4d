package entitlements

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists module switches and per-user overrides.
type Repository interface {
	GetEntitlement(ctx context.Context, tenantID int64, module string) (*Entitlement, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]Entitlement, error)
	UpsertEntitlement(ctx context.Context, e Entitlement) error
	// GetUserRule returns nil when no override row exists; a non-nil
	// pointer carries the stored boolean. The distinction is load-bearing.
	GetUserRule(ctx context.Context, tenantID, userID int64, module string) (*bool, error)
	UpsertUserRule(ctx context.Context, r UserEntitlement) error
	DeleteUserRule(ctx context.Context, tenantID, userID int64, module string) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) GetEntitlement(ctx context.Context, tenantID int64, module string) (*Entitlement, error) {
	var e Entitlement
	err := r.pool.QueryRow(ctx, `SELECT tenant_id, module, enabled, limits, updated_at
FROM entitlements WHERE tenant_id = $1 AND module = $2`, tenantID, module).
		Scan(&e.TenantID, &e.Module, &e.Enabled, &e.Limits, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *repository) ListByTenant(ctx context.Context, tenantID int64) ([]Entitlement, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, module, enabled, limits, updated_at
FROM entitlements WHERE tenant_id = $1 ORDER BY module`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Entitlement
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(&e.TenantID, &e.Module, &e.Enabled, &e.Limits, &e.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *repository) UpsertEntitlement(ctx context.Context, e Entitlement) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO entitlements (tenant_id, module, enabled, limits, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (tenant_id, module) DO UPDATE SET enabled = EXCLUDED.enabled, limits = EXCLUDED.limits, updated_at = NOW()`,
		e.TenantID, e.Module, e.Enabled, e.Limits)
	return err
}

func (r *repository) GetUserRule(ctx context.Context, tenantID, userID int64, module string) (*bool, error) {
	var allowed bool
	err := r.pool.QueryRow(ctx, `SELECT allowed FROM user_entitlements
WHERE tenant_id = $1 AND user_id = $2 AND module = $3`, tenantID, userID, module).Scan(&allowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &allowed, nil
}

func (r *repository) UpsertUserRule(ctx context.Context, rule UserEntitlement) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_entitlements (tenant_id, user_id, module, allowed, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (tenant_id, user_id, module) DO UPDATE SET allowed = EXCLUDED.allowed, updated_at = NOW()`,
		rule.TenantID, rule.UserID, rule.Module, rule.Allowed)
	return err
}

func (r *repository) DeleteUserRule(ctx context.Context, tenantID, userID int64, module string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_entitlements
WHERE tenant_id = $1 AND user_id = $2 AND module = $3`, tenantID, userID, module)
	return err
}
