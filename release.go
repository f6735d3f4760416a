package routeragent

import "strings"

// ParseReleaseInfo parses the target's plaintext release file
// (/etc/openwrt_release): KEY=value lines with optional single or double
// quotes around the value. Malformed lines are skipped.
func ParseReleaseInfo(lines []string) map[string]string {
	info := make(map[string]string, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		info[key] = value
	}
	return info
}

// releaseMatches reports whether any of the version-bearing fields contains
// the expected version as a substring.
func releaseMatches(info map[string]string, expected string) bool {
	if expected == "" {
		return false
	}
	for _, key := range []string{"DISTRIB_RELEASE", "DISTRIB_REVISION", "DISTRIB_DESCRIPTION"} {
		if strings.Contains(info[key], expected) {
			return true
		}
	}
	return false
}
