// Package query keeps paginated, filtered and sorted collections of server
// entities consistent in a local cache.
//
// Keys are built only through BuildKey. The canonical form sorts parameters
// and drops empty values, so two call sites assembling the same logical
// parameters in a different order, or passing an empty filter instead of
// omitting it, share one cache entry.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// Kind names an entity collection.
type Kind string

const (
	KindUsers       Kind = "users"
	KindRoles       Kind = "roles"
	KindPermissions Kind = "permissions"
	KindMedia       Kind = "media"
)

// Op distinguishes collection and single-item views.
type Op string

const (
	OpList   Op = "list"
	OpDetail Op = "detail"
)

// Params parameterise a key. ID is used by detail keys only.
type Params struct {
	Page      int                     `validate:"gte=0"`
	PageSize  int                     `validate:"gte=0"`
	SortField string                  `validate:"omitempty,max=64"`
	SortDir   transport.SortDirection `validate:"omitempty,oneof=asc desc"`
	Search    string                  `validate:"max=256"`
	Filters   map[string]string       `validate:"dive,keys,min=1,max=64,endkeys,max=256"`
	ID        string
}

// Key identifies one cached view. Keys are comparable; equality is
// structural over the normalised parameters.
type Key struct {
	kind  Kind
	op    Op
	canon string
}

// Prefix selects a family of keys.
type Prefix string

// BuildKey is the single way to construct a Key.
func BuildKey(kind Kind, op Op, params Params) Key {
	k := Key{kind: kind, op: op}
	switch op {
	case OpDetail:
		k.canon = string(kind) + ":" + string(OpDetail) + ":" + strings.TrimSpace(params.ID)
	default:
		k.op = OpList
		k.canon = string(kind) + ":" + string(OpList) + ":" + encodeParams(Normalize(params))
	}
	return k
}

// ListKey is BuildKey for a list view.
func ListKey(kind Kind, params Params) Key {
	return BuildKey(kind, OpList, params)
}

// DetailKey is BuildKey for a single item.
func DetailKey(kind Kind, id string) Key {
	return BuildKey(kind, OpDetail, Params{ID: id})
}

// ListPrefix matches every list key of kind.
func ListPrefix(kind Kind) Prefix {
	return Prefix(string(kind) + ":" + string(OpList) + ":")
}

// KindPrefix matches every key of kind.
func KindPrefix(kind Kind) Prefix {
	return Prefix(string(kind) + ":")
}

// Kind returns the entity kind.
func (k Key) Kind() Kind { return k.kind }

// Op returns the operation kind.
func (k Key) Op() Op { return k.op }

// String returns the canonical form, e.g. "users:list:page=2&sort=name".
func (k Key) String() string { return k.canon }

// IsZero reports whether k was never built.
func (k Key) IsZero() bool { return k.canon == "" }

// Matches reports whether k belongs to the prefix family.
func (k Key) Matches(p Prefix) bool {
	return strings.HasPrefix(k.canon, string(p))
}

// Normalize drops empty values so that absent and empty parameters produce
// the same key. Page 1 is the default page and is dropped as well.
func Normalize(p Params) Params {
	out := Params{
		PageSize:  p.PageSize,
		SortField: strings.TrimSpace(p.SortField),
		Search:    strings.TrimSpace(p.Search),
	}
	if p.Page > 1 {
		out.Page = p.Page
	}
	if out.PageSize < 0 {
		out.PageSize = 0
	}
	if out.SortField != "" {
		out.SortDir = transport.SortDirection(strings.ToLower(strings.TrimSpace(string(p.SortDir))))
		if out.SortDir == "" {
			out.SortDir = transport.SortAsc
		}
	}
	for field, value := range p.Filters {
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		if field == "" || value == "" {
			continue
		}
		if out.Filters == nil {
			out.Filters = make(map[string]string, len(p.Filters))
		}
		out.Filters[field] = value
	}
	return out
}

// ListParams converts normalised params to the transport shape.
func (p Params) ListParams() transport.ListParams {
	n := Normalize(p)
	return transport.ListParams{
		Page:      n.Page,
		PageSize:  n.PageSize,
		SortField: n.SortField,
		SortDir:   n.SortDir,
		Search:    n.Search,
		Filters:   n.Filters,
	}
}

// ParamsFromList is the inverse of ListParams.
func ParamsFromList(lp transport.ListParams) Params {
	return Params{
		Page:      lp.Page,
		PageSize:  lp.PageSize,
		SortField: lp.SortField,
		SortDir:   lp.SortDir,
		Search:    lp.Search,
		Filters:   lp.Filters,
	}.Clone()
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := p
	if p.Filters != nil {
		out.Filters = make(map[string]string, len(p.Filters))
		for k, v := range p.Filters {
			out.Filters[k] = v
		}
	}
	return out
}

// encodeParams relies on url.Values.Encode sorting by key.
func encodeParams(p Params) string {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(p.PageSize))
	}
	if p.SortField != "" {
		v.Set("sort", p.SortField)
		v.Set("dir", string(p.SortDir))
	}
	if p.Search != "" {
		v.Set("search", p.Search)
	}
	for field, value := range p.Filters {
		v.Set("filter."+field, value)
	}
	return v.Encode()
}
