package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kompasshq/kompass/internal/platform/db"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Create(ctx context.Context, u User, passwordHash string) (int64, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]User, error)
	PlatformRanks(ctx context.Context, userID int64) ([]int16, error)
	GrantPlatformRank(ctx context.Context, userID int64, rank int16) error
	RevokePlatformRank(ctx context.Context, userID int64, rank int16) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the account and its initial base-rank membership in one
// transaction.
func (r *Repository) Create(ctx context.Context, u User, passwordHash string) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO users (email, name, tenant_id, password_hash, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW()) RETURNING id`, u.Email, u.Name, u.TenantID, passwordHash).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_users_email" {
				return ErrEmailTaken
			}
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO tenant_memberships (user_id, tenant_id, role, is_active, created_at, updated_at)
VALUES ($1, $2, 'BASE', TRUE, NOW(), NOW())`, id, u.TenantID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetByID fetches one account, nil when missing.
func (r *Repository) GetByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `SELECT id, email, name, tenant_id, is_active, created_at, updated_at
FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.TenantID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// ListByTenant returns accounts anchored to the tenant.
func (r *Repository) ListByTenant(ctx context.Context, tenantID int64) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, email, name, tenant_id, is_active, created_at, updated_at
FROM users WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.TenantID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PlatformRanks returns the user's platform rank assignments.
func (r *Repository) PlatformRanks(ctx context.Context, userID int64) ([]int16, error) {
	rows, err := r.pool.Query(ctx, `SELECT rank FROM platform_role_assignments WHERE user_id = $1 ORDER BY rank`, userID)
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

// GrantPlatformRank adds one rank assignment; repeats are no-ops.
func (r *Repository) GrantPlatformRank(ctx context.Context, userID int64, rank int16) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO platform_role_assignments (user_id, rank, granted_at)
VALUES ($1, $2, NOW()) ON CONFLICT (user_id, rank) DO NOTHING`, userID, rank)
	return err
}

// RevokePlatformRank removes one rank assignment.
func (r *Repository) RevokePlatformRank(ctx context.Context, userID int64, rank int16) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM platform_role_assignments WHERE user_id = $1 AND rank = $2`, userID, rank)
	return err
}

var _ RepositoryPort = (*Repository)(nil)
