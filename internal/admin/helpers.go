package admin

import "strings"

// pathSuffix returns the remainder of path after prefix.
func pathSuffix(path, prefix string) string {
	if idx := strings.Index(path, prefix); idx >= 0 {
		return path[idx+len(prefix):]
	}
	return strings.TrimPrefix(path, prefix)
}

func trimSuffixSegment(s, suffix string) string {
	return strings.TrimSuffix(s, suffix)
}
