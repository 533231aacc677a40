// Package globmatch matches strings against double-star ignore/include
// glob lists with full doublestar semantics rather than flat
// filepath.Match. SpellEngine uses it for the allow/deny spell filters;
// nothing in taskloop filters paths with it.
package globmatch

import "github.com/bmatcuk/doublestar/v4"

// Any reports whether path matches any of patterns. An invalid pattern is
// treated as a non-match rather than an error, since glob lists come from
// project configuration that has already passed schema validation by the
// time matching happens.
func Any(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Filter returns the subset of paths that do not match any of exclude.
func Filter(paths []string, exclude []string) []string {
	if len(exclude) == 0 {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !Any(exclude, p) {
			out = append(out, p)
		}
	}
	return out
}
