package rbac

// Has reports whether slug is granted by set.
func Has(set PermissionSet, slug string) bool {
	return set.Contains(slug)
}

// HasAny reports whether at least one slug is granted. An empty requirement
// means no restriction.
func HasAny(set PermissionSet, slugs []string) bool {
	if len(slugs) == 0 {
		return true
	}
	for _, s := range slugs {
		if set.Contains(s) {
			return true
		}
	}
	return false
}

// HasAll reports whether every slug is granted. An empty requirement means
// no restriction.
func HasAll(set PermissionSet, slugs []string) bool {
	if len(slugs) == 0 {
		return true
	}
	for _, s := range slugs {
		if !set.Contains(s) {
			return false
		}
	}
	return true
}
