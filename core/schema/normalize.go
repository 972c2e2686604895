package schema

import (
	"regexp"
	"strings"
)

var (
	instanceRe  = regexp.MustCompile(`([a-z])\s*#?\s*(\d+)`)
	nonWordRe   = regexp.MustCompile(`[^a-z0-9]+`)
	multiUndRe  = regexp.MustCompile(`_+`)
	trimUndExpr = regexp.MustCompile(`^_|_$`)
)

// NormalizeLabel reduces a raw sensor label to a stable identifier fragment.
// Case is folded, whitespace and punctuation collapse to single underscores,
// and instance numbering variants ("Fan 1", "Fan#1", "FAN1") all reduce to
// the same form. The result is a pure function of the input, so the same
// physical sensor always yields the same identifier across runs and across
// minor drift in the tool's output formatting.
func NormalizeLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = instanceRe.ReplaceAllString(s, "${1}_${2}")
	s = nonWordRe.ReplaceAllString(s, "_")
	s = multiUndRe.ReplaceAllString(s, "_")
	s = trimUndExpr.ReplaceAllString(s, "")
	return s
}

// SensorID derives the stable record identifier from the section a reading
// was found under and its label.
func SensorID(section, label string) string {
	l := NormalizeLabel(label)
	if section == "" {
		return l
	}
	return NormalizeLabel(section) + "/" + l
}
