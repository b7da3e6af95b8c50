package repo

import (
	"path/filepath"
	"strings"
)

// Ignored reports whether a repository-relative path matches any of the
// configured ignore patterns. Patterns use shell globs; a `**/` prefix or
// `/**` suffix matches any number of leading or trailing path segments.
func Ignored(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(path, pattern) {
			return true
		}
	}
	return false
}

func matchPattern(path, pattern string) bool {
	path = filepath.ToSlash(path)
	pattern = filepath.ToSlash(pattern)

	// "**/x/**" and friends: strip the recursive markers and match the
	// remaining fragment against every segment boundary.
	if inner, ok := cutAround(pattern, "**/", "/**"); ok {
		return containsSegment(path, inner)
	}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		if matched, _ := filepath.Match(rest, filepath.Base(path)); matched {
			return true
		}
		return suffixSegmentsMatch(path, rest)
	}
	if rest, ok := strings.CutSuffix(pattern, "/**"); ok {
		return path == rest || strings.HasPrefix(path, rest+"/")
	}

	if matched, _ := filepath.Match(pattern, path); matched {
		return true
	}
	// A bare pattern with no separator also matches by base name, so
	// "*.min.js" excludes the file anywhere in the tree.
	if !strings.Contains(pattern, "/") {
		matched, _ := filepath.Match(pattern, filepath.Base(path))
		return matched
	}
	return false
}

func cutAround(s, prefix, suffix string) (string, bool) {
	inner, okP := strings.CutPrefix(s, prefix)
	if !okP {
		return "", false
	}
	inner, okS := strings.CutSuffix(inner, suffix)
	if !okS {
		return "", false
	}
	return inner, true
}

// containsSegment reports whether any path segment equals fragment.
func containsSegment(path, fragment string) bool {
	for _, seg := range strings.Split(path, "/") {
		if matched, _ := filepath.Match(fragment, seg); matched {
			return true
		}
	}
	return false
}

// suffixSegmentsMatch matches the pattern fragment against every tail of
// the path, so "**/testdata/*.json" matches "a/b/testdata/x.json".
func suffixSegmentsMatch(path, fragment string) bool {
	segments := strings.Split(path, "/")
	for i := range segments {
		tail := strings.Join(segments[i:], "/")
		if matched, _ := filepath.Match(fragment, tail); matched {
			return true
		}
	}
	return false
}
