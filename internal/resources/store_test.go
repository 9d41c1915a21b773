package resources

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

func TestBuildListUsers(t *testing.T) {
	res := usersResource()
	q, err := buildList(res, transport.ListParams{
		Page:      3,
		PageSize:  10,
		SortField: "email",
		SortDir:   transport.SortDesc,
		Search:    "an_n",
		Filters:   map[string]string{"role_id": "2", "is_active": "true"},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(*) FROM users WHERE (name ILIKE $1 OR email ILIKE $1) AND is_active = $2 AND role_id = $3", q.countSQL)
	assert.Equal(t, []any{`%an\_n%`, true, int64(2)}, q.countArgs)
	assert.Equal(t,
		"SELECT row_to_json(t)::text FROM (SELECT id, email, name, role_id, is_active, created_at, updated_at FROM users"+
			" WHERE (name ILIKE $1 OR email ILIKE $1) AND is_active = $2 AND role_id = $3) t"+
			" ORDER BY t.email DESC, t.id DESC LIMIT $4 OFFSET $5",
		q.sql)
	assert.Equal(t, []any{`%an\_n%`, true, int64(2), 10, 20}, q.args)
	assert.Equal(t, 3, q.page)
	assert.Equal(t, 10, q.pageSize)
}

func TestBuildListDefaults(t *testing.T) {
	q, err := buildList(permissionsResource(), transport.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM permissions", q.countSQL)
	assert.Contains(t, q.sql, "ORDER BY t.slug ASC, t.id ASC LIMIT $1 OFFSET $2")
	assert.Equal(t, []any{defaultPageSize, 0}, q.args)
	assert.Equal(t, 1, q.page)
}

func TestBuildListRejectsUnknownFields(t *testing.T) {
	_, err := buildList(usersResource(), transport.ListParams{
		SortField: "password_hash",
		SortDir:   "sideways",
		PageSize:  1000,
		Filters:   map[string]string{"password_hash": "x", "role_id": "abc"},
	})
	var ve *transport.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, map[string]string{
		"sort":                 "is not sortable",
		"dir":                  "must be asc or desc",
		"page_size":            "must be at most 100",
		"filter.password_hash": "is not filterable",
		"filter.role_id":       "not an integer",
	}, ve.Fields)
}

func TestBuildDetailIncludesRolePermissions(t *testing.T) {
	sql := buildDetail(rolesResource())
	assert.Contains(t, sql, "AS permissions FROM roles WHERE id = $1) t")
	assert.NotContains(t, buildDetail(mediaResource()), "permissions")
}

func TestDecodeValidatesPayload(t *testing.T) {
	s := NewStore(nil, nil)
	res := usersResource()

	_, err := s.decode(res, modeCreate, json.RawMessage(`{"email":"nope","name":"","password":"short"}`))
	var ve *transport.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "must be a valid email address", ve.Fields["email"])
	assert.Equal(t, "is required", ve.Fields["name"])
	assert.Equal(t, "must be at least 8 characters", ve.Fields["password"])

	_, err = s.decode(res, modeCreate, json.RawMessage(`{"email":"a@b.co","name":"A","password":"longenough","admin":true}`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, `unknown field "admin"`, ve.Fields["body"])

	in, err := s.decode(res, modeUpdate, json.RawMessage(`{"email":"a@b.co","name":"A"}`))
	require.NoError(t, err)
	assert.IsType(t, &userUpdate{}, in)

	_, err = s.decode(permissionsResource(), modeCreate, json.RawMessage(`{"name":"View","slug":"user-index","status":"maybe"}`))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "must be one of enabled disabled", ve.Fields["status"])
}

func TestMapError(t *testing.T) {
	res := usersResource()

	err := mapError(res, "detail", pgx.ErrNoRows)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.ErrorIs(t, err, httpx.ErrNotFound)

	err = mapError(res, "create", &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})
	var ve *transport.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, map[string]string{"email": "is already taken"}, ve.Fields)

	err = mapError(res, "update", &pgconn.PgError{Code: "23503", ConstraintName: "users_role_id_fkey"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, map[string]string{"role_id": "references a missing record"}, ve.Fields)

	err = mapError(rolesResource(), "delete", &pgconn.PgError{Code: "23503", ConstraintName: "users_role_id_fkey"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, map[string]string{"id": "is still referenced"}, ve.Fields)

	err = mapError(res, "list", errors.New("connection reset"))
	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, httpx.ErrUpstream)
}

func TestParseID(t *testing.T) {
	n, err := parseID(usersResource(), "detail", " 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = parseID(usersResource(), "detail", "abc")
	assert.ErrorIs(t, err, transport.ErrNotFound)
	_, err = parseID(usersResource(), "detail", "0")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}
