package resources

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type listQuery struct {
	sql       string
	countSQL  string
	args      []any
	countArgs []any
	page      int
	pageSize  int
}

// buildList renders the page and count statements for params. Field names
// are resolved through the resource whitelist; values are always bound.
func buildList(res *resource, p transport.ListParams) (listQuery, error) {
	fields := map[string]string{}
	var where []string
	var args []any

	if p.Search != "" && len(res.search) > 0 {
		args = append(args, "%"+escapeLike(p.Search)+"%")
		n := "$" + strconv.Itoa(len(args))
		parts := make([]string, 0, len(res.search))
		for _, col := range res.search {
			parts = append(parts, col+" ILIKE "+n)
		}
		where = append(where, "("+strings.Join(parts, " OR ")+")")
	}

	for _, name := range slices.Sorted(maps.Keys(p.Filters)) {
		f, ok := res.filters[name]
		if !ok {
			fields["filter."+name] = "is not filterable"
			continue
		}
		v, err := f.parse(p.Filters[name])
		if err != nil {
			fields["filter."+name] = err.Error()
			continue
		}
		args = append(args, v)
		where = append(where, f.column+" = $"+strconv.Itoa(len(args)))
	}

	sortCol := res.defaultSort
	if p.SortField != "" {
		col, ok := res.sortable[p.SortField]
		if !ok {
			fields["sort"] = "is not sortable"
		}
		sortCol = col
	}
	dir := "ASC"
	switch p.SortDir {
	case "", transport.SortAsc:
	case transport.SortDesc:
		dir = "DESC"
	default:
		fields["dir"] = "must be asc or desc"
	}

	page, pageSize := p.Page, p.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		fields["page_size"] = "must be at most " + strconv.Itoa(maxPageSize)
	}
	if len(fields) > 0 {
		return listQuery{}, &transport.ValidationError{Fields: fields}
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	order := "t." + sortCol + " " + dir
	if sortCol != "id" {
		order += ", t.id " + dir
	}

	q := listQuery{
		countSQL:  "SELECT COUNT(*) FROM " + res.table + clause,
		countArgs: append([]any(nil), args...),
		page:      page,
		pageSize:  pageSize,
	}
	args = append(args, pageSize, (page-1)*pageSize)
	q.sql = "SELECT row_to_json(t)::text FROM (SELECT " + strings.Join(res.columns, ", ") +
		" FROM " + res.table + clause + ") t ORDER BY " + order +
		" LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))
	q.args = args
	return q, nil
}

func buildDetail(res *resource) string {
	cols := append(append([]string(nil), res.columns...), res.detailColumns...)
	return "SELECT row_to_json(t)::text FROM (SELECT " + strings.Join(cols, ", ") +
		" FROM " + res.table + " WHERE id = $1) t"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
