// Package resources serves the console collections straight from
// PostgreSQL, implementing the same verbs as the REST transport.
package resources

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// filter maps a query filter onto a column and parses its value.
type filter struct {
	column string
	parse  func(string) (any, error)
}

// resource describes one table. Only whitelisted columns ever reach SQL.
type resource struct {
	kind    string
	table   string
	columns []string

	// detailColumns are extra expressions selected for single items.
	detailColumns []string

	search   []string
	sortable map[string]string
	filters  map[string]filter

	// defaultSort is applied when the caller asks for none.
	defaultSort string

	// decode returns a pointer to a fresh payload struct for mode; insert
	// and update receive it once validated.
	decode func(mode writeMode) any
	insert func(ctx context.Context, tx pgx.Tx, payload any) (int64, error)
	update func(ctx context.Context, tx pgx.Tx, id int64, payload any) error
}

type writeMode int

const (
	modeCreate writeMode = iota
	modeUpdate
)

func parseInt(v string) (any, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not an integer")
	}
	return n, nil
}

func parseBool(v string) (any, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("not a boolean")
	}
	return b, nil
}

func parseText(v string) (any, error) { return v, nil }

func catalog() map[string]*resource {
	list := []*resource{usersResource(), rolesResource(), permissionsResource(), mediaResource()}
	out := make(map[string]*resource, len(list))
	for _, r := range list {
		out[r.kind] = r
	}
	return out
}

func usersResource() *resource {
	return &resource{
		kind:    "users",
		table:   "users",
		columns: []string{"id", "email", "name", "role_id", "is_active", "created_at", "updated_at"},
		search:  []string{"name", "email"},
		sortable: map[string]string{
			"id": "id", "name": "name", "email": "email", "created_at": "created_at",
		},
		filters: map[string]filter{
			"role_id":   {column: "role_id", parse: parseInt},
			"is_active": {column: "is_active", parse: parseBool},
		},
		defaultSort: "id",
		decode: func(mode writeMode) any {
			if mode == modeCreate {
				return &userCreate{}
			}
			return &userUpdate{}
		},
		insert: insertUser,
		update: updateUser,
	}
}

const rolePermissionsColumn = `(SELECT COALESCE(json_agg(json_build_object('id', p.id, 'slug', p.slug) ORDER BY rp.position), '[]')
	FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
	WHERE rp.role_id = roles.id) AS permissions`

func rolesResource() *resource {
	return &resource{
		kind:          "roles",
		table:         "roles",
		columns:       []string{"id", "name", "description", "created_at", "updated_at"},
		detailColumns: []string{rolePermissionsColumn},
		search:        []string{"name"},
		sortable: map[string]string{
			"id": "id", "name": "name", "created_at": "created_at",
		},
		filters:     map[string]filter{},
		defaultSort: "name",
		decode:      func(writeMode) any { return &roleInput{} },
		insert:      insertRole,
		update:      updateRole,
	}
}

func permissionsResource() *resource {
	return &resource{
		kind:    "permissions",
		table:   "permissions",
		columns: []string{"id", "name", "slug", "description", "status"},
		search:  []string{"name", "slug"},
		sortable: map[string]string{
			"id": "id", "name": "name", "slug": "slug",
		},
		filters: map[string]filter{
			"status": {column: "status", parse: parseText},
		},
		defaultSort: "slug",
		decode:      func(writeMode) any { return &permissionInput{} },
		insert:      insertPermission,
		update:      updatePermission,
	}
}

func mediaResource() *resource {
	return &resource{
		kind:    "media",
		table:   "media",
		columns: []string{"id", "file_name", "mime_type", "size", "url", "owner_id", "created_at"},
		search:  []string{"file_name"},
		sortable: map[string]string{
			"id": "id", "file_name": "file_name", "size": "size", "created_at": "created_at",
		},
		filters: map[string]filter{
			"mime_type": {column: "mime_type", parse: parseText},
			"owner_id":  {column: "owner_id", parse: parseInt},
		},
		defaultSort: "created_at",
		decode:      func(writeMode) any { return &mediaInput{} },
		insert:      insertMedia,
		update:      updateMedia,
	}
}
