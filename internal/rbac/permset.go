package rbac

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// PermissionSet is an immutable snapshot of the slugs held by an actor.
// The zero value is an empty set.
type PermissionSet struct {
	slugs map[string]struct{}
}

// NewPermissionSet builds a set from the provided slugs. Blank slugs are
// dropped.
func NewPermissionSet(slugs ...string) PermissionSet {
	set := PermissionSet{slugs: make(map[string]struct{}, len(slugs))}
	for _, s := range slugs {
		s = NormalizeSlug(s)
		if s == "" {
			continue
		}
		set.slugs[s] = struct{}{}
	}
	return set
}

// PermissionSetFor derives the set from the actor's role, keeping only
// enabled permissions. A nil actor or an actor without a role yields an
// empty set.
func PermissionSetFor(actor *Actor) PermissionSet {
	if actor == nil || actor.Role == nil {
		return PermissionSet{}
	}
	slugs := make([]string, 0, len(actor.Role.Permissions))
	for _, p := range actor.Role.Permissions {
		if !p.Enabled() {
			continue
		}
		slugs = append(slugs, p.Slug)
	}
	return NewPermissionSet(slugs...)
}

// Contains reports whether slug belongs to the set.
func (s PermissionSet) Contains(slug string) bool {
	if len(s.slugs) == 0 {
		return false
	}
	_, ok := s.slugs[NormalizeSlug(slug)]
	return ok
}

// Len returns the number of slugs in the set.
func (s PermissionSet) Len() int {
	return len(s.slugs)
}

// Slugs returns the sorted slugs of the set.
func (s PermissionSet) Slugs() []string {
	out := make([]string, 0, len(s.slugs))
	for slug := range s.slugs {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Restrict returns a new set containing only slugs present in catalog.
// Slugs that are disabled in the catalog are dropped as well.
func (s PermissionSet) Restrict(catalog []Permission) PermissionSet {
	enabled := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		if p.Enabled() {
			enabled[NormalizeSlug(p.Slug)] = struct{}{}
		}
	}
	out := PermissionSet{slugs: make(map[string]struct{}, len(s.slugs))}
	for slug := range s.slugs {
		if _, ok := enabled[slug]; ok {
			out.slugs[slug] = struct{}{}
		}
	}
	return out
}

// NormalizeSlug trims and case-folds a slug.
func NormalizeSlug(slug string) string {
	// Casers are stateful, so one is built per call.
	return cases.Fold().String(strings.TrimSpace(slug))
}
