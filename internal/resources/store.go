package resources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-console/internal/platform/db"
	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	db.Beginner
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements transport.Transport over PostgreSQL.
type Store struct {
	db        DB
	resources map[string]*resource
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewStore constructs a Store.
func NewStore(pool DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: pool, resources: catalog(), validate: newValidator(), logger: logger}
}

// List returns one page of kind.
func (s *Store) List(ctx context.Context, kind string, params transport.ListParams) (transport.ListResult, error) {
	res, err := s.resource(kind, "list")
	if err != nil {
		return transport.ListResult{}, err
	}
	q, err := buildList(res, params)
	if err != nil {
		return transport.ListResult{}, err
	}

	var total int
	if err := s.db.QueryRow(ctx, q.countSQL, q.countArgs...).Scan(&total); err != nil {
		return transport.ListResult{}, mapError(res, "list", err)
	}
	rows, err := s.db.Query(ctx, q.sql, q.args...)
	if err != nil {
		return transport.ListResult{}, mapError(res, "list", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var raw string
		err := row.Scan(&raw)
		return json.RawMessage(raw), err
	})
	if err != nil {
		return transport.ListResult{}, mapError(res, "list", err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return transport.ListResult{Items: items, Total: total, Page: q.page, PageSize: q.pageSize}, nil
}

// Detail returns a single item.
func (s *Store) Detail(ctx context.Context, kind, id string) (json.RawMessage, error) {
	res, err := s.resource(kind, "detail")
	if err != nil {
		return nil, err
	}
	n, err := parseID(res, "detail", id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, res, n)
}

func (s *Store) detail(ctx context.Context, res *resource, id int64) (json.RawMessage, error) {
	var raw string
	if err := s.db.QueryRow(ctx, buildDetail(res), id).Scan(&raw); err != nil {
		return nil, mapError(res, "detail", err)
	}
	return json.RawMessage(raw), nil
}

// Create validates payload, stores it and returns the stored item.
func (s *Store) Create(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	res, err := s.resource(kind, "create")
	if err != nil {
		return nil, err
	}
	in, err := s.decode(res, modeCreate, payload)
	if err != nil {
		return nil, err
	}
	var id int64
	err = db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		id, err = res.insert(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, mapError(res, "create", err)
	}
	s.logger.Info("resource created", slog.String("kind", kind), slog.Int64("id", id))
	return s.detail(ctx, res, id)
}

// Update validates payload, replaces the item and returns it.
func (s *Store) Update(ctx context.Context, kind, id string, payload json.RawMessage) (json.RawMessage, error) {
	res, err := s.resource(kind, "update")
	if err != nil {
		return nil, err
	}
	n, err := parseID(res, "update", id)
	if err != nil {
		return nil, err
	}
	in, err := s.decode(res, modeUpdate, payload)
	if err != nil {
		return nil, err
	}
	err = db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		return res.update(ctx, tx, n, in)
	})
	if err != nil {
		return nil, mapError(res, "update", err)
	}
	s.logger.Info("resource updated", slog.String("kind", kind), slog.Int64("id", n))
	return s.detail(ctx, res, n)
}

// Delete removes the item.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	res, err := s.resource(kind, "delete")
	if err != nil {
		return err
	}
	n, err := parseID(res, "delete", id)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM "+res.table+" WHERE id = $1", n)
	if err != nil {
		return mapError(res, "delete", err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(res, "delete", pgx.ErrNoRows)
	}
	s.logger.Info("resource deleted", slog.String("kind", kind), slog.Int64("id", n))
	return nil
}

func (s *Store) resource(kind, op string) (*resource, error) {
	res, ok := s.resources[kind]
	if !ok {
		return nil, &transport.TransportError{Kind: kind, Op: op, Status: http.StatusNotFound, Err: transport.ErrNotFound}
	}
	return res, nil
}

// decode parses and validates a write payload. Unknown fields are rejected so
// typos surface as field errors instead of silently doing nothing.
func (s *Store) decode(res *resource, mode writeMode, payload json.RawMessage) (any, error) {
	in := res.decode(mode)
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, &transport.ValidationError{Fields: map[string]string{"body": decodeMessage(err)}}
	}
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fieldErrors(verrs)
		}
		return nil, err
	}
	return in, nil
}

func decodeMessage(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		return "unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	return "malformed JSON"
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldErrors(verrs validator.ValidationErrors) *transport.ValidationError {
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return &transport.ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt", "gte":
		return "must be positive"
	default:
		return "is invalid"
	}
}

func parseID(res *resource, op, id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, &transport.TransportError{Kind: res.kind, Op: op, Status: http.StatusNotFound, Err: transport.ErrNotFound}
	}
	return n, nil
}

// mapError translates database failures into the transport taxonomy.
// Constraint violations become field errors keyed by the offending column.
func mapError(res *resource, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &transport.TransportError{Kind: res.kind, Op: op, Status: http.StatusNotFound, Err: transport.ErrNotFound}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		field := constraintField(res.table, pgErr.ConstraintName)
		switch pgErr.Code {
		case "23505":
			return &transport.ValidationError{Fields: map[string]string{field: "is already taken"}}
		case "23503":
			if op == "delete" {
				return &transport.ValidationError{Fields: map[string]string{"id": "is still referenced"}}
			}
			return &transport.ValidationError{Fields: map[string]string{field: "references a missing record"}}
		case "23514":
			return &transport.ValidationError{Fields: map[string]string{field: "is invalid"}}
		}
	}
	return &transport.TransportError{Kind: res.kind, Op: op, Err: fmt.Errorf("postgres: %w", err)}
}

// constraintField recovers the column from Postgres' default constraint
// names, e.g. users_email_key -> email.
func constraintField(table, constraint string) string {
	name := strings.TrimPrefix(constraint, table+"_")
	for _, suffix := range []string{"_key", "_fkey", "_check", "_idx"} {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	if name == "" {
		return "id"
	}
	return name
}

var _ transport.Transport = (*Store)(nil)
