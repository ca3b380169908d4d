package membership

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kompasshq/kompass/internal/hierarchy"
)

// Repository provides read access plus transactional mutation scopes.
type Repository interface {
	GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error)
	PlatformRanks(ctx context.Context, userID int64) ([]int16, error)
	Subject(ctx context.Context, tenantID, userID int64) (hierarchy.Subject, error)
	ListByTenant(ctx context.Context, tenantID int64, includeDeleted bool) ([]Membership, error)
	ListReports(ctx context.Context, tenantID, supervisorUserID int64) ([]Membership, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the reads and writes available inside one atomic
// mutation. All reads lock the rows they touch so concurrent promotions
// cannot slip past the single-admin check.
type TxRepository interface {
	GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error)
	GetMembershipForUpdate(ctx context.Context, tenantID, userID int64) (*Membership, error)
	PlatformRanks(ctx context.Context, userID int64) ([]int16, error)
	ActiveTopForUpdate(ctx context.Context, tenantID int64) (*Membership, error)
	ActiveManagers(ctx context.Context, tenantID int64, exceptUserID int64) ([]Membership, error)
	UpdateRole(ctx context.Context, id int64, role hierarchy.TenantRole) error
	UpdateActive(ctx context.Context, id int64, active bool) error
	MarkDeleted(ctx context.Context, id int64, actorID int64, at time.Time) error
	SetSupervisor(ctx context.Context, id int64, supervisorID *int64) error
	ClearSupervisorRefs(ctx context.Context, tenantID, supervisorUserID int64) ([]int64, error)
	ReassignSupervisorRefs(ctx context.Context, tenantID, fromUserID, toUserID int64) ([]int64, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const membershipColumns = `id, user_id, tenant_id, role, is_active, supervisor_id, deleted_at, deleted_by, created_at, updated_at`

func scanMembership(row pgx.Row) (*Membership, error) {
	var m Membership
	err := row.Scan(&m.ID, &m.UserID, &m.TenantID, &m.Role, &m.IsActive, &m.SupervisorID, &m.DeletedAt, &m.DeletedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *repository) GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+membershipColumns+` FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	return scanMembership(row)
}

func (r *repository) PlatformRanks(ctx context.Context, userID int64) ([]int16, error) {
	return queryRanks(ctx, r.pool, userID)
}

func (r *repository) ListByTenant(ctx context.Context, tenantID int64, includeDeleted bool) ([]Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM tenant_memberships WHERE tenant_id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY user_id`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	return collectMemberships(rows)
}

func (r *repository) ListReports(ctx context.Context, tenantID, supervisorUserID int64) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+membershipColumns+` FROM tenant_memberships
WHERE tenant_id = $1 AND supervisor_id = $2 AND deleted_at IS NULL ORDER BY user_id`, tenantID, supervisorUserID)
	if err != nil {
		return nil, err
	}
	return collectMemberships(rows)
}

// WithTx runs fn inside one repeatable-read transaction; the promote/demote
// check and its write commit or fail together.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapConstraint(err)
	}
	return nil
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+membershipColumns+` FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	return scanMembership(row)
}

func (r *txRepository) GetMembershipForUpdate(ctx context.Context, tenantID, userID int64) (*Membership, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+membershipColumns+` FROM tenant_memberships
WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE`, tenantID, userID)
	return scanMembership(row)
}

func (r *txRepository) PlatformRanks(ctx context.Context, userID int64) ([]int16, error) {
	return queryRanks(ctx, r.tx, userID)
}

func (r *txRepository) ActiveTopForUpdate(ctx context.Context, tenantID int64) (*Membership, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+membershipColumns+` FROM tenant_memberships
WHERE tenant_id = $1 AND role = 'TOP' AND is_active AND deleted_at IS NULL FOR UPDATE`, tenantID)
	return scanMembership(row)
}

func (r *txRepository) ActiveManagers(ctx context.Context, tenantID int64, exceptUserID int64) ([]Membership, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+membershipColumns+` FROM tenant_memberships
WHERE tenant_id = $1 AND role = 'MID' AND is_active AND deleted_at IS NULL AND user_id <> $2 ORDER BY user_id`, tenantID, exceptUserID)
	if err != nil {
		return nil, err
	}
	return collectMemberships(rows)
}

func (r *txRepository) UpdateRole(ctx context.Context, id int64, role hierarchy.TenantRole) error {
	_, err := r.tx.Exec(ctx, `UPDATE tenant_memberships SET role = $2, updated_at = NOW() WHERE id = $1`, id, role)
	return mapConstraint(err)
}

func (r *txRepository) UpdateActive(ctx context.Context, id int64, active bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE tenant_memberships SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	return mapConstraint(err)
}

func (r *txRepository) MarkDeleted(ctx context.Context, id int64, actorID int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE tenant_memberships SET deleted_at = $2, deleted_by = $3, is_active = FALSE, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL`, id, at, actorID)
	return err
}

func (r *txRepository) SetSupervisor(ctx context.Context, id int64, supervisorID *int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE tenant_memberships SET supervisor_id = $2, updated_at = NOW() WHERE id = $1`, id, supervisorID)
	return err
}

func (r *txRepository) ClearSupervisorRefs(ctx context.Context, tenantID, supervisorUserID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `UPDATE tenant_memberships SET supervisor_id = NULL, updated_at = NOW()
WHERE tenant_id = $1 AND supervisor_id = $2 AND deleted_at IS NULL RETURNING user_id`, tenantID, supervisorUserID)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (r *txRepository) ReassignSupervisorRefs(ctx context.Context, tenantID, fromUserID, toUserID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `UPDATE tenant_memberships SET supervisor_id = $3, updated_at = NOW()
WHERE tenant_id = $1 AND supervisor_id = $2 AND deleted_at IS NULL RETURNING user_id`, tenantID, fromUserID, toUserID)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryRanks(ctx context.Context, q queryer, userID int64) ([]int16, error) {
	rows, err := q.Query(ctx, `SELECT rank FROM platform_role_assignments WHERE user_id = $1 ORDER BY rank`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ranks []int16
	for rows.Next() {
		var rank int16
		if err := rows.Scan(&rank); err != nil {
			return nil, err
		}
		ranks = append(ranks, rank)
	}
	return ranks, rows.Err()
}

func collectMemberships(rows pgx.Rows) ([]Membership, error) {
	defer rows.Close()
	var result []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.UserID, &m.TenantID, &m.Role, &m.IsActive, &m.SupervisorID, &m.DeletedAt, &m.DeletedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// mapConstraint translates the partial unique index on active TOP rows into
// the domain conflict. The index is the storage-level backstop for races
// the transaction isolation does not cover.
func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_tenant_active_top" {
		return ErrSingleAdminViolation
	}
	return err
}

// Subject loads a user's engine snapshot against one tenant. Implements the
// resolver interface the entitlement and audit surfaces consume.
func (r *repository) Subject(ctx context.Context, tenantID, userID int64) (hierarchy.Subject, error) {
	ranks, err := r.PlatformRanks(ctx, userID)
	if err != nil {
		return hierarchy.Subject{}, err
	}
	m, err := r.GetMembership(ctx, tenantID, userID)
	if err != nil {
		return hierarchy.Subject{}, err
	}
	return hierarchy.Subject{UserID: userID, PlatformRanks: ranks, Membership: m.View()}, nil
}
