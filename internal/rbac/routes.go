package rbac

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ProfileSegment is the self-profile view; an actor may always open it.
	ProfileSegment = "profile"
	// DashboardSegment is gated by DashboardSlug rather than the CRUD rule.
	DashboardSegment = "dashboard"
	// DashboardSlug is the permission catalog name for the dashboard.
	DashboardSlug = "dashboard-view"

	tokenEdit   = "edit"
	tokenCreate = "create"
)

// Override fixes the gate for a route. An Open override means the route is
// always allowed.
type Override struct {
	Slug string
	Open bool
}

// Inferer maps navigation paths to the permission slug gating them.
// Irregular routes are expressed as data: Exact entries match the whole
// normalized path, Segment entries match the first path segment.
type Inferer struct {
	Exact   map[string]Override
	Segment map[string]Override
}

// NewInferer returns an Inferer preloaded with the dashboard and profile
// rules.
func NewInferer() *Inferer {
	return &Inferer{
		Exact: map[string]Override{},
		Segment: map[string]Override{
			ProfileSegment:   {Open: true},
			DashboardSegment: {Slug: DashboardSlug},
		},
	}
}

// Infer returns the slug gating path. gated is false when the route is
// always allowed.
func (in *Inferer) Infer(path string) (slug string, gated bool) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return "", false
	}
	if in != nil {
		if o, ok := in.Exact["/"+strings.Join(segments, "/")]; ok {
			return o.resolve()
		}
		if o, ok := in.Segment[segments[0]]; ok {
			return o.resolve()
		}
	}

	resource := singular(segments[0])
	last := segments[len(segments)-1]
	switch {
	case last == tokenEdit:
		return resource + "-update", true
	case last == tokenCreate:
		return resource + "-store", true
	case len(segments) == 2 && isPositiveInt(segments[1]):
		return resource + "-show", true
	case len(segments) > 2:
		return singular(segments[2]) + "-index", true
	default:
		return resource + "-index", true
	}
}

// SetExact registers an exact-path override.
func (in *Inferer) SetExact(path string, o Override) {
	if in.Exact == nil {
		in.Exact = map[string]Override{}
	}
	in.Exact["/"+strings.Join(splitPath(path), "/")] = o
}

// SetSegment registers a first-segment override.
func (in *Inferer) SetSegment(segment string, o Override) {
	if in.Segment == nil {
		in.Segment = map[string]Override{}
	}
	in.Segment[strings.Trim(segment, "/")] = o
}

func (o Override) resolve() (string, bool) {
	if o.Open || strings.TrimSpace(o.Slug) == "" {
		return "", false
	}
	return NormalizeSlug(o.Slug), true
}

type overrideFile struct {
	Exact    map[string]string `yaml:"exact"`
	Segments map[string]string `yaml:"segments"`
}

// LoadOverrides merges a YAML override table into the inferer. An empty slug
// marks the route as open:
//
//	exact:
//	  /settings/mail: setting-update
//	segments:
//	  help: ""
func (in *Inferer) LoadOverrides(r io.Reader) error {
	var file overrideFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("rbac: decode route overrides: %w", err)
	}
	for path, slug := range file.Exact {
		in.SetExact(path, Override{Slug: slug, Open: strings.TrimSpace(slug) == ""})
	}
	for seg, slug := range file.Segments {
		in.SetSegment(seg, Override{Slug: slug, Open: strings.TrimSpace(slug) == ""})
	}
	return nil
}

func splitPath(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

// singular strips one trailing "s". Irregular plurals belong in the
// override table.
func singular(resource string) string {
	return strings.TrimSuffix(resource, "s")
}

func isPositiveInt(s string) bool {
	n, err := strconv.ParseUint(s, 10, 64)
	return err == nil && n > 0
}
