package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-api/internal/models"
)

const roleColumns = `id, key, name, permissions, rank, is_system, created_at, created_by, updated_at, updated_by, is_deleted, deleted_at, deleted_by`

// EffectiveFunc derives a user's cached permission mask from their roles.
type EffectiveFunc func(roles []models.Role) models.Permission

// RoleRepository persists roles and user role assignments and keeps users.permissions in
// step with them.
type RoleRepository struct {
	db *sqlx.DB
}

// NewRoleRepository constructs the repository.
func NewRoleRepository(db *sqlx.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// List returns non-deleted roles ordered by rank then name.
func (r *RoleRepository) List(ctx context.Context) ([]models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE is_deleted = FALSE ORDER BY rank DESC, name ASC`
	var roles []models.Role
	if err := r.db.SelectContext(ctx, &roles, query); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// FindByID returns a non-deleted role.
func (r *RoleRepository) FindByID(ctx context.Context, id string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1 AND is_deleted = FALSE`
	var role models.Role
	if err := r.db.GetContext(ctx, &role, query, id); err != nil {
		return nil, err
	}
	return &role, nil
}

// FindByKey returns a non-deleted role by key (case-insensitive).
func (r *RoleRepository) FindByKey(ctx context.Context, key string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE LOWER(key) = LOWER($1) AND is_deleted = FALSE`
	var role models.Role
	if err := r.db.GetContext(ctx, &role, query, key); err != nil {
		return nil, err
	}
	return &role, nil
}

// Create inserts a role. A key collision returns ErrDuplicate.
func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	const query = `INSERT INTO roles (id, key, name, permissions, rank, is_system, created_at, created_by, updated_at, updated_by)
VALUES (:id, :key, :name, :permissions, :rank, :is_system, :created_at, :created_by, :updated_at, :updated_by)`
	if _, err := r.db.NamedExecContext(ctx, query, role); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

// ListForUser returns the non-deleted roles a user holds through non-deleted assignments.
func (r *RoleRepository) ListForUser(ctx context.Context, userID string) ([]models.Role, error) {
	return rolesForUser(ctx, r.db, userID)
}

// UpdateWithPropagation rewrites a role and recomputes the cached permissions of every
// holder in the same transaction. Returns sql.ErrNoRows when the role is absent.
func (r *RoleRepository) UpdateWithPropagation(ctx context.Context, role *models.Role, compute EffectiveFunc) (*models.PropagationResult, error) {
	var result *models.PropagationResult
	err := withTx(ctx, r.db, "role update", func(tx *sqlx.Tx) error {
		const query = `UPDATE roles SET name = $2, permissions = $3, rank = $4, updated_at = $5, updated_by = $6
WHERE id = $1 AND is_deleted = FALSE`
		res, err := tx.ExecContext(ctx, query, role.ID, role.Name, role.Permissions, role.Rank, role.UpdatedAt, role.UpdatedBy)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		result, err = propagate(ctx, tx, role.ID, role.UpdatedAt, compute)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SoftDeleteWithPropagation marks the role deleted and recomputes its holders. Deleting an
// absent or already deleted role returns (nil, false, nil).
func (r *RoleRepository) SoftDeleteWithPropagation(ctx context.Context, id, actor string, now time.Time, compute EffectiveFunc) (*models.PropagationResult, bool, error) {
	var result *models.PropagationResult
	deleted := false
	err := withTx(ctx, r.db, "role delete", func(tx *sqlx.Tx) error {
		const query = `UPDATE roles SET is_deleted = TRUE, deleted_at = $2, deleted_by = $3, updated_at = $2, updated_by = $3
WHERE id = $1 AND is_deleted = FALSE`
		res, err := tx.ExecContext(ctx, query, id, now, nullableActor(actor))
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		deleted = true
		result, err = propagate(ctx, tx, id, now, compute)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, deleted, nil
}

// Assign grants roleID to userID and recomputes the user's cached permissions. Assigning an
// already held role only recomputes. Returns sql.ErrNoRows when user or role is absent.
func (r *RoleRepository) Assign(ctx context.Context, userID, roleID, actor string, now time.Time, compute EffectiveFunc) (models.Permission, error) {
	var effective models.Permission
	err := withTx(ctx, r.db, "role assign", func(tx *sqlx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT 1 FROM roles WHERE id = $1 AND is_deleted = FALSE`, roleID); err != nil {
			return err
		}
		const insert = `INSERT INTO user_roles (id, user_id, role_id, created_at, created_by, updated_at, updated_by)
VALUES ($1, $2, $3, $4, $5, $4, $5)
ON CONFLICT (user_id, role_id) WHERE is_deleted = FALSE DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), userID, roleID, now, nullableActor(actor)); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		var err error
		effective, err = recomputeUser(ctx, tx, userID, now, compute)
		return err
	})
	return effective, err
}

// Revoke removes roleID from userID and recomputes. Revoking an unheld role is a no-op
// apart from the recompute. Returns sql.ErrNoRows when the user is absent.
func (r *RoleRepository) Revoke(ctx context.Context, userID, roleID, actor string, now time.Time, compute EffectiveFunc) (models.Permission, error) {
	var effective models.Permission
	err := withTx(ctx, r.db, "role revoke", func(tx *sqlx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		const query = `UPDATE user_roles SET is_deleted = TRUE, deleted_at = $3, deleted_by = $4, updated_at = $3, updated_by = $4
WHERE user_id = $1 AND role_id = $2 AND is_deleted = FALSE`
		if _, err := tx.ExecContext(ctx, query, userID, roleID, now, nullableActor(actor)); err != nil {
			return fmt.Errorf("revoke role: %w", err)
		}
		var err error
		effective, err = recomputeUser(ctx, tx, userID, now, compute)
		return err
	})
	return effective, err
}

// Recompute refreshes a single user's cached permissions.
func (r *RoleRepository) Recompute(ctx context.Context, userID string, now time.Time, compute EffectiveFunc) (models.Permission, error) {
	var effective models.Permission
	err := withTx(ctx, r.db, "permission recompute", func(tx *sqlx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		effective, err = recomputeUser(ctx, tx, userID, now, compute)
		return err
	})
	return effective, err
}

func propagate(ctx context.Context, tx *sqlx.Tx, roleID string, now time.Time, compute EffectiveFunc) (*models.PropagationResult, error) {
	const holders = `SELECT DISTINCT user_id FROM user_roles WHERE role_id = $1 AND is_deleted = FALSE ORDER BY user_id`
	var userIDs []string
	if err := tx.SelectContext(ctx, &userIDs, holders, roleID); err != nil {
		return nil, fmt.Errorf("list role holders: %w", err)
	}
	result := &models.PropagationResult{Updated: make([]string, 0, len(userIDs))}
	for _, userID := range userIDs {
		if err := lockUser(ctx, tx, userID); err != nil {
			if err == sql.ErrNoRows {
				result.Skipped = append(result.Skipped, userID)
				continue
			}
			return nil, err
		}
		if _, err := recomputeUser(ctx, tx, userID, now, compute); err != nil {
			return nil, err
		}
		result.Updated = append(result.Updated, userID)
	}
	return result, nil
}

func lockUser(ctx context.Context, tx *sqlx.Tx, userID string) error {
	var id string
	if err := tx.GetContext(ctx, &id, `SELECT id FROM users WHERE id = $1 AND is_deleted = FALSE FOR UPDATE`, userID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func recomputeUser(ctx context.Context, tx *sqlx.Tx, userID string, now time.Time, compute EffectiveFunc) (models.Permission, error) {
	roles, err := rolesForUser(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	effective := compute(roles)
	if _, err := tx.ExecContext(ctx, `UPDATE users SET permissions = $2, updated_at = $3 WHERE id = $1`, userID, effective, now); err != nil {
		return 0, fmt.Errorf("update user permissions: %w", err)
	}
	return effective, nil
}

func rolesForUser(ctx context.Context, q sqlx.QueryerContext, userID string) ([]models.Role, error) {
	const query = `SELECT r.id, r.key, r.name, r.permissions, r.rank, r.is_system, r.created_at, r.created_by, r.updated_at, r.updated_by, r.is_deleted, r.deleted_at, r.deleted_by
FROM roles r
JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = $1 AND ur.is_deleted = FALSE AND r.is_deleted = FALSE
ORDER BY r.rank DESC`
	var roles []models.Role
	if err := sqlx.SelectContext(ctx, q, &roles, query, userID); err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	return roles, nil
}
