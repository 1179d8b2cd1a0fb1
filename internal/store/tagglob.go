package store

import "github.com/gobwas/glob"

// matchesAllTags is the conjunctive tag filter spec §4.2 requires, extended
// to accept glob wildcards (e.g. "char*") as a strict superset: a filter
// with no glob metacharacters behaves identically to exact matching.
func matchesAllTags(entryTags, filters []string) bool {
	for _, f := range filters {
		if !matchesAnyTag(entryTags, f) {
			return false
		}
	}
	return true
}

func matchesAnyTag(entryTags []string, filter string) bool {
	g, err := glob.Compile(filter)
	if err != nil {
		// Not a valid glob pattern; fall back to literal comparison.
		for _, t := range entryTags {
			if t == filter {
				return true
			}
		}
		return false
	}
	for _, t := range entryTags {
		if g.Match(t) {
			return true
		}
	}
	return false
}
