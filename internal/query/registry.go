package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownKind is returned for kinds missing from the registry.
	ErrUnknownKind = errors.New("query: unknown entity kind")
	// ErrInvalidParams wraps parameter validation failures.
	ErrInvalidParams = errors.New("query: invalid params")
)

// KindSpec declares which list parameters a kind supports.
type KindSpec struct {
	Kind            Kind
	Sortable        []string
	Filterable      []string
	Searchable      bool
	DefaultPageSize int
	MaxPageSize     int
}

// Registry validates parameters per entity kind before keys are built.
type Registry struct {
	specs    map[Kind]KindSpec
	validate *validator.Validate
}

// NewRegistry constructs a registry from the given specs.
func NewRegistry(specs ...KindSpec) *Registry {
	r := &Registry{specs: make(map[Kind]KindSpec, len(specs)), validate: validator.New()}
	for _, s := range specs {
		r.Register(s)
	}
	return r
}

// DefaultRegistry describes the console collections.
func DefaultRegistry() *Registry {
	return NewRegistry(
		KindSpec{
			Kind:       KindUsers,
			Sortable:   []string{"id", "name", "email", "created_at"},
			Filterable: []string{"role_id", "is_active"},
			Searchable: true,
		},
		KindSpec{
			Kind:       KindRoles,
			Sortable:   []string{"id", "name", "created_at"},
			Searchable: true,
		},
		KindSpec{
			Kind:       KindPermissions,
			Sortable:   []string{"id", "name", "slug"},
			Filterable: []string{"status"},
			Searchable: true,
		},
		KindSpec{
			Kind:       KindMedia,
			Sortable:   []string{"id", "file_name", "size", "created_at"},
			Filterable: []string{"mime_type", "owner_id"},
			Searchable: true,
		},
	)
}

// Register adds or replaces a kind.
func (r *Registry) Register(spec KindSpec) {
	if spec.DefaultPageSize <= 0 {
		spec.DefaultPageSize = 20
	}
	if spec.MaxPageSize <= 0 {
		spec.MaxPageSize = 100
	}
	r.specs[spec.Kind] = spec
}

// Spec returns the declaration for kind.
func (r *Registry) Spec(kind Kind) (KindSpec, bool) {
	s, ok := r.specs[kind]
	return s, ok
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Normalize validates params for kind and applies the kind's defaults.
func (r *Registry) Normalize(kind Kind, params Params) (Params, error) {
	spec, ok := r.specs[kind]
	if !ok {
		return Params{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if params.Page < 0 || params.PageSize < 0 {
		return Params{}, fmt.Errorf("%w: negative page or page size", ErrInvalidParams)
	}
	// Validated after normalizing so "DESC" and empty filters are accepted
	// the same way the key builder folds them.
	p := Normalize(params)
	if err := r.validate.Struct(p); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.PageSize == 0 {
		p.PageSize = spec.DefaultPageSize
	}
	if p.PageSize > spec.MaxPageSize {
		return Params{}, fmt.Errorf("%w: page size %d exceeds %d", ErrInvalidParams, p.PageSize, spec.MaxPageSize)
	}
	if p.SortField != "" && !slices.Contains(spec.Sortable, p.SortField) {
		return Params{}, fmt.Errorf("%w: %s is not sortable by %q", ErrInvalidParams, kind, p.SortField)
	}
	for field := range p.Filters {
		if !slices.Contains(spec.Filterable, field) {
			return Params{}, fmt.Errorf("%w: %s is not filterable by %q", ErrInvalidParams, kind, field)
		}
	}
	if p.Search != "" && !spec.Searchable {
		return Params{}, fmt.Errorf("%w: %s does not support search", ErrInvalidParams, kind)
	}
	return p, nil
}

// ListKey validates params and builds the list key.
func (r *Registry) ListKey(kind Kind, params Params) (Key, Params, error) {
	p, err := r.Normalize(kind, params)
	if err != nil {
		return Key{}, Params{}, err
	}
	return BuildKey(kind, OpList, p), p, nil
}

// DetailKey validates kind and builds the detail key.
func (r *Registry) DetailKey(kind Kind, id string) (Key, error) {
	if _, ok := r.specs[kind]; !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, fmt.Errorf("%w: empty id", ErrInvalidParams)
	}
	return DetailKey(kind, id), nil
}
