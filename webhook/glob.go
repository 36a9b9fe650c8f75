package webhook

import "strings"

// Match reports whether a stream path matches a subscription pattern.
// Pattern segments: "*" matches exactly one path segment, "**" matches zero
// or more. A literal "*" inside a segment arrives percent-encoded as %2A.
func Match(pattern, path string) bool {
	return matchSegments(segments(pattern), segments(path))
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	for len(pattern) > 0 && len(path) > 0 {
		switch pattern[0] {
		case "**":
			for i := 0; i <= len(path); i++ {
				if matchSegments(pattern[1:], path[i:]) {
					return true
				}
			}
			return false
		case "*":
			pattern, path = pattern[1:], path[1:]
		default:
			literal := strings.ReplaceAll(pattern[0], "%2A", "*")
			literal = strings.ReplaceAll(literal, "%2a", "*")
			if literal != path[0] {
				return false
			}
			pattern, path = pattern[1:], path[1:]
		}
	}

	// Trailing ** matches the empty remainder.
	for len(pattern) > 0 && pattern[0] == "**" {
		pattern = pattern[1:]
	}
	return len(pattern) == 0 && len(path) == 0
}
