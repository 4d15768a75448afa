package usecase

import "strings"

// severityPrefixes maps the longest recognized case-folded prefix of a raw
// severity string to its normalized enum value.
var severityPrefixes = []struct {
	prefix string
	value  string
}{
	{"crit", "critical"},
	{"hi", "high"},
	{"med", "medium"},
	{"lo", "low"},
	{"inf", "info"},
}

// NormalizeSeverity case-folds raw and matches it against the longest
// recognized prefix; unrecognized or empty input normalizes to "info". The
// function is total (never errors) and idempotent: normalizing an already
// normalized value returns it unchanged.
func NormalizeSeverity(raw string) string {
	folded := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range severityPrefixes {
		if strings.HasPrefix(folded, p.prefix) {
			return p.value
		}
	}
	return "info"
}
