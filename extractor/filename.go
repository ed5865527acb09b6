package extractor

import "strings"

// SanitizeFilename keeps ASCII letters, digits, '-', '_' and '.', replaces
// each run of anything else with a single '_' and truncates to max bytes. An
// empty result becomes "video".
func SanitizeFilename(title string, max int) string {
	var b strings.Builder
	replaced := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
			replaced = false
		case !replaced:
			b.WriteByte('_')
			replaced = true
		}
	}
	out := strings.Trim(b.String(), ".")
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	if out == "" {
		return "video"
	}
	return out
}
