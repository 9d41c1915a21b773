package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Querier is the subset of pgxpool.Pool used by Service.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CatalogFetcher provides the authoritative permission list.
type CatalogFetcher interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Service reads roles and permissions from PostgreSQL.
type Service struct {
	db Querier
}

// NewService constructs a Service backed by the provided pool.
func NewService(db Querier) *Service {
	return &Service{db: db}
}

const listPermissionsSQL = `SELECT id, name, slug, COALESCE(description, ''), status
FROM permissions ORDER BY slug`

// ListPermissions returns the full permission catalog ordered by slug.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.Query(ctx, listPermissionsSQL)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	perms, err := pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan permissions: %w", err)
	}
	return perms, nil
}

const getRoleSQL = `SELECT id, name, created_at, updated_at FROM roles WHERE id = $1`

const rolePermissionsSQL = `SELECT p.id, p.name, p.slug, COALESCE(p.description, ''), p.status
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = $1
ORDER BY rp.position, p.slug`

// GetRole fetches a role with its ordered permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.db.QueryRow(ctx, getRoleSQL, id).Scan(&role.ID, &role.Name, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, fmt.Errorf("rbac: get role: %w", err)
	}
	rows, err := s.db.Query(ctx, rolePermissionsSQL, id)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: role permissions: %w", err)
	}
	role.Permissions, err = pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: scan role permissions: %w", err)
	}
	return role, nil
}

func scanPermission(row pgx.CollectableRow) (Permission, error) {
	var p Permission
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &status); err != nil {
		return Permission{}, err
	}
	p.Status = PermissionStatus(status)
	return p, nil
}

var _ CatalogFetcher = (*Service)(nil)
