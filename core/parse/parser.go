package parse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/techthom/ipmi2mqtt/core/model"
	"github.com/techthom/ipmi2mqtt/core/schema"
)

// ErrNoRecords is returned when non-empty tool output yields zero sensor
// records. Partial output (some lines skipped) is not an error.
var ErrNoRecords = errors.New("no sensor records parsed")

// Stats counts the outcome of one parse pass.
type Stats struct {
	Lines   int
	Parsed  int
	Skipped int
}

var (
	moduleRe = regexp.MustCompile(`\[Module\s*(\d+)\]`)
	numberRe = regexp.MustCompile(`^([-+]?\d+(?:\.\d+)?)\s*(.*)$`)
	statusRe = regexp.MustCompile(`\(([^)]+)\)\s*$`)
)

// sectionWords maps keywords found in section header lines to the section
// name and default category applied to the lines that follow. The tool's
// wording varies between firmware versions; matching is by keyword, not by
// exact header text.
var sectionWords = []struct {
	word     string
	section  string
	category model.Category
}{
	{"temperature", "temp", model.CategoryTemperature},
	{"fan", "fan", model.CategoryFan},
	{"voltage", "voltage", model.CategoryVoltage},
	{"power supply", "psu", model.CategoryPower},
	{"chassis", "chassis", model.CategoryChassis},
}

var statusWords = map[string]model.Status{
	"ok":                 model.StatusOK,
	"warning":            model.StatusWarning,
	"non-critical":       model.StatusWarning,
	"lower non-critical": model.StatusWarning,
	"upper non-critical": model.StatusWarning,
	"fail":               model.StatusCritical,
	"failed":             model.StatusCritical,
	"critical":           model.StatusCritical,
	"lower critical":     model.StatusCritical,
	"upper critical":     model.StatusCritical,
	"non-recoverable":    model.StatusCritical,
	"n/a":                model.StatusUnknown,
	"na":                 model.StatusUnknown,
	"not present":        model.StatusUnknown,
	"not readable":       model.StatusUnknown,
	"disabled":           model.StatusUnknown,
	"unknown":            model.StatusUnknown,
}

// Parse turns the raw text output of the management query tool into typed
// sensor records. It is line oriented and keyed on recognizable section
// markers rather than fixed offsets: reordering, added columns or unknown
// lines degrade into skipped-line counts instead of failures. The only error
// condition is non-empty input from which nothing at all could be extracted.
func Parse(raw string) ([]model.SensorRecord, Stats, error) {
	var (
		records []model.SensorRecord
		stats   Stats
		section string
		cat     model.Category
		seen    = map[string]bool{}
	)

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		stats.Lines++

		if m := moduleRe.FindStringSubmatch(trimmed); m != nil {
			section = "psu" + m[1]
			cat = model.CategoryPower
			continue
		}
		if sec, c, ok := matchSection(trimmed); ok {
			section, cat = sec, c
			continue
		}
		if isNoise(trimmed) {
			continue
		}

		rec, ok := parseLine(trimmed, section, cat)
		if !ok {
			stats.Skipped++
			continue
		}
		if seen[rec.ID] {
			stats.Skipped++
			continue
		}
		seen[rec.ID] = true
		records = append(records, rec)
		stats.Parsed++
	}

	if len(records) == 0 && strings.TrimSpace(raw) != "" {
		return nil, stats, fmt.Errorf("%w (%d lines, %d skipped)", ErrNoRecords, stats.Lines, stats.Skipped)
	}
	return records, stats, nil
}

// matchSection reports whether the line is a section header. Header lines
// carry no label/value delimiter and contain one of the known section words.
func matchSection(line string) (string, model.Category, bool) {
	if strings.ContainsAny(line, "|:") {
		return "", model.CategoryOther, false
	}
	lower := strings.ToLower(strings.Trim(line, "[]- "))
	for _, s := range sectionWords {
		if strings.Contains(lower, s.word) {
			return s.section, s.category, true
		}
	}
	return "", model.CategoryOther, false
}

// isNoise recognizes table decoration the tool prints between sections.
func isNoise(line string) bool {
	stripped := strings.Map(func(r rune) rune {
		if r == '-' || r == '=' || r == '|' || r == '+' || r == ' ' {
			return -1
		}
		return r
	}, line)
	if stripped == "" {
		return true
	}
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, "item ") && strings.Contains(lower, "value")
}

// parseLine extracts one sensor record from a "label | value" or
// "label : value (STATUS)" line.
func parseLine(line, section string, cat model.Category) (model.SensorRecord, bool) {
	label, value, status, ok := splitFields(line)
	if !ok || label == "" || value == "" {
		return model.SensorRecord{}, false
	}

	rec := model.SensorRecord{
		ID:       schema.SensorID(section, label),
		RawLabel: label,
		Category: cat,
		Status:   status,
	}

	if m := numberRe.FindStringSubmatch(value); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			rec.Numeric = true
			rec.Value = n
			rec.Unit = normalizeUnit(m[2])
		}
	}
	if !rec.Numeric {
		rec.Text = value
		if st, ok := lookupStatus(value); ok {
			// The value itself is a status word ("OK", "N/A"): an
			// explicit parenthesized status still wins.
			if status == model.StatusOK && !hasExplicitStatus(line) {
				rec.Status = st
			}
			if st == model.StatusUnknown {
				rec.Status = pickWorse(rec.Status, model.StatusUnknown)
			}
		}
	}

	if c := categoryFromUnit(rec.Unit); c != model.CategoryOther {
		rec.Category = c
	} else if rec.Category == model.CategoryOther {
		rec.Category = categoryFromLabel(label)
	}
	return rec, true
}

// splitFields separates label, value and trailing status. Pipe-delimited
// tables may carry the status in a third column; colon-delimited listings
// carry it in trailing parentheses.
func splitFields(line string) (label, value string, status model.Status, ok bool) {
	status = model.StatusOK
	var rest string
	switch {
	case strings.Contains(line, "|"):
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			return "", "", status, false
		}
		label = strings.TrimSpace(fields[0])
		rest = strings.TrimSpace(fields[1])
		if len(fields) > 2 {
			if st, found := lookupStatus(strings.TrimSpace(fields[2])); found {
				status = st
			}
		}
	case strings.Contains(line, ":"):
		idx := strings.Index(line, ":")
		label = strings.TrimSpace(line[:idx])
		rest = strings.TrimSpace(line[idx+1:])
	default:
		return "", "", status, false
	}

	if m := statusRe.FindStringSubmatch(rest); m != nil {
		if st, found := lookupStatus(strings.TrimSpace(m[1])); found {
			status = st
		}
		rest = strings.TrimSpace(statusRe.ReplaceAllString(rest, ""))
	}
	return label, rest, status, true
}

func lookupStatus(s string) (model.Status, bool) {
	st, ok := statusWords[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

func hasExplicitStatus(line string) bool {
	return statusRe.MatchString(line) || strings.Count(line, "|") >= 2
}

func pickWorse(a, b model.Status) model.Status {
	// Critical and warning outrank unknown; unknown outranks ok.
	rank := map[model.Status]int{
		model.StatusOK:       0,
		model.StatusUnknown:  1,
		model.StatusWarning:  2,
		model.StatusCritical: 3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// normalizeUnit reduces the unit suffix variants the tool emits to a
// canonical short form: "degrees C" and "27C/80F" style readings both
// report "C".
func normalizeUnit(suffix string) string {
	u := strings.TrimSpace(suffix)
	if u == "" {
		return ""
	}
	if i := strings.IndexAny(u, "/,"); i >= 0 {
		u = u[:i]
	}
	lower := strings.ToLower(u)
	switch {
	case strings.Contains(lower, "degrees c"), lower == "c":
		return "C"
	case strings.Contains(lower, "degrees f"), lower == "f":
		return "F"
	case strings.HasPrefix(lower, "rpm"):
		return "RPM"
	case lower == "v" || strings.HasPrefix(lower, "volt"):
		return "V"
	case lower == "a" || strings.HasPrefix(lower, "amp"):
		return "A"
	case lower == "w" || strings.HasPrefix(lower, "watt"):
		return "W"
	case lower == "%":
		return "%"
	}
	// Unknown suffix text is not a unit; most likely free text after the
	// number ("2 of 2 fans present").
	fields := strings.Fields(u)
	if len(fields) == 1 && len(fields[0]) <= 4 {
		return fields[0]
	}
	return ""
}

func categoryFromUnit(unit string) model.Category {
	switch unit {
	case "C", "F":
		return model.CategoryTemperature
	case "RPM":
		return model.CategoryFan
	case "V":
		return model.CategoryVoltage
	case "A":
		return model.CategoryCurrent
	case "W":
		return model.CategoryPower
	default:
		return model.CategoryOther
	}
}

func categoryFromLabel(label string) model.Category {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "temp"):
		return model.CategoryTemperature
	case strings.Contains(lower, "fan"):
		return model.CategoryFan
	case strings.Contains(lower, "volt"):
		return model.CategoryVoltage
	case strings.Contains(lower, "current"):
		return model.CategoryCurrent
	case strings.Contains(lower, "power"), strings.Contains(lower, "watt"):
		return model.CategoryPower
	case strings.Contains(lower, "chassis"), strings.Contains(lower, "intrusion"):
		return model.CategoryChassis
	default:
		return model.CategoryOther
	}
}
