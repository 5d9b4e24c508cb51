package store

import (
	"context"
	"fmt"
	"time"
)

// Permission is a named capability referenced by route policies.
type Permission struct {
	ID          int64     `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ListPermissions returns all permission definitions.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	var perms []Permission
	err := s.db.SelectContext(ctx, &perms,
		`SELECT id, code, description, created_at FROM permissions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return perms, nil
}

// CreatePermission inserts a permission definition.
func (s *Store) CreatePermission(ctx context.Context, code, description string) (*Permission, error) {
	var p Permission
	err := s.db.GetContext(ctx, &p,
		`INSERT INTO permissions (code, description) VALUES ($1, $2)
		RETURNING id, code, description, created_at`, code, description)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create permission %s: %w", code, err)
	}
	return &p, nil
}

// RolePermissions returns the permission codes granted to a role.
func (s *Store) RolePermissions(ctx context.Context, role string) ([]string, error) {
	var codes []string
	err := s.db.SelectContext(ctx, &codes,
		`SELECT p.code FROM permissions p
		JOIN user_role_permissions urp ON urp.permission_id = p.id
		WHERE urp.role = $1 ORDER BY p.code`, role)
	if err != nil {
		return nil, fmt.Errorf("role permissions for %s: %w", role, err)
	}
	return codes, nil
}
