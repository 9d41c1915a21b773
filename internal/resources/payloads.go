package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

type userCreate struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=120"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	RoleID   *int64 `json:"role_id" validate:"omitempty,gt=0"`
	IsActive *bool  `json:"is_active"`
}

type userUpdate struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=120"`
	Password string `json:"password" validate:"omitempty,min=8,max=72"`
	RoleID   *int64 `json:"role_id" validate:"omitempty,gt=0"`
	IsActive *bool  `json:"is_active"`
}

type roleInput struct {
	Name          string  `json:"name" validate:"required,max=80"`
	Description   string  `json:"description" validate:"max=255"`
	PermissionIDs []int64 `json:"permission_ids" validate:"omitempty,dive,gt=0"`
}

type permissionInput struct {
	Name        string `json:"name" validate:"required,max=120"`
	Slug        string `json:"slug" validate:"required,max=120"`
	Description string `json:"description" validate:"max=255"`
	Status      string `json:"status" validate:"omitempty,oneof=enabled disabled"`
}

type mediaInput struct {
	FileName string `json:"file_name" validate:"required,max=255"`
	MimeType string `json:"mime_type" validate:"required,max=127"`
	Size     int64  `json:"size" validate:"gte=0"`
	URL      string `json:"url" validate:"required,url"`
	OwnerID  *int64 `json:"owner_id" validate:"omitempty,gt=0"`
}

func insertUser(ctx context.Context, tx pgx.Tx, payload any) (int64, error) {
	in := payload.(*userCreate)
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO users (email, name, password_hash, role_id, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id`,
		strings.ToLower(strings.TrimSpace(in.Email)), strings.TrimSpace(in.Name), string(hash), in.RoleID, active,
	).Scan(&id)
	return id, err
}

func updateUser(ctx context.Context, tx pgx.Tx, id int64, payload any) error {
	in := payload.(*userUpdate)
	tag, err := tx.Exec(ctx, `UPDATE users SET email = $1, name = $2, role_id = $3,
is_active = COALESCE($4, is_active), updated_at = NOW() WHERE id = $5`,
		strings.ToLower(strings.TrimSpace(in.Email)), strings.TrimSpace(in.Name), in.RoleID, in.IsActive, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	if in.Password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, string(hash), id)
	return err
}

func insertRole(ctx context.Context, tx pgx.Tx, payload any) (int64, error) {
	in := payload.(*roleInput)
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO roles (name, description, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW()) RETURNING id`, strings.TrimSpace(in.Name), in.Description).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, replaceRolePermissions(ctx, tx, id, in.PermissionIDs)
}

func updateRole(ctx context.Context, tx pgx.Tx, id int64, payload any) error {
	in := payload.(*roleInput)
	tag, err := tx.Exec(ctx, `UPDATE roles SET name = $1, description = $2, updated_at = NOW() WHERE id = $3`,
		strings.TrimSpace(in.Name), in.Description, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	if in.PermissionIDs == nil {
		return nil
	}
	return replaceRolePermissions(ctx, tx, id, in.PermissionIDs)
}

// replaceRolePermissions stores ids in order; position follows the slice.
func replaceRolePermissions(ctx context.Context, tx pgx.Tx, roleID int64, ids []int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, position)
SELECT $1, pid, ord FROM unnest($2::bigint[]) WITH ORDINALITY AS t(pid, ord)
ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, ids)
	return err
}

func insertPermission(ctx context.Context, tx pgx.Tx, payload any) (int64, error) {
	in := payload.(*permissionInput)
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO permissions (name, slug, description, status)
VALUES ($1, $2, $3, $4) RETURNING id`,
		strings.TrimSpace(in.Name), strings.TrimSpace(in.Slug), in.Description, permissionStatus(in.Status),
	).Scan(&id)
	return id, err
}

func updatePermission(ctx context.Context, tx pgx.Tx, id int64, payload any) error {
	in := payload.(*permissionInput)
	tag, err := tx.Exec(ctx, `UPDATE permissions SET name = $1, slug = $2, description = $3, status = $4 WHERE id = $5`,
		strings.TrimSpace(in.Name), strings.TrimSpace(in.Slug), in.Description, permissionStatus(in.Status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func permissionStatus(s string) string {
	if s == "" {
		return "enabled"
	}
	return s
}

func insertMedia(ctx context.Context, tx pgx.Tx, payload any) (int64, error) {
	in := payload.(*mediaInput)
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO media (file_name, mime_type, size, url, owner_id, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id`,
		in.FileName, in.MimeType, in.Size, in.URL, in.OwnerID,
	).Scan(&id)
	return id, err
}

func updateMedia(ctx context.Context, tx pgx.Tx, id int64, payload any) error {
	in := payload.(*mediaInput)
	tag, err := tx.Exec(ctx, `UPDATE media SET file_name = $1, mime_type = $2, size = $3, url = $4, owner_id = $5 WHERE id = $6`,
		in.FileName, in.MimeType, in.Size, in.URL, in.OwnerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
