package schema

import (
	"strings"

	"github.com/techthom/ipmi2mqtt/core/model"
)

// classInfo describes how a sensor category surfaces in the published
// entity schema. The table is data on purpose: the concrete mapping was
// derived from representative tool output and is expected to grow as new
// firmware revisions surface new sections.
type classInfo struct {
	DeviceClass string
	StateClass  string
	Icon        string
	Unit        string
}

var classes = map[model.Category]classInfo{
	model.CategoryTemperature: {DeviceClass: "temperature", StateClass: "measurement", Unit: "°C"},
	model.CategoryFan:         {StateClass: "measurement", Icon: "mdi:fan", Unit: "RPM"},
	model.CategoryVoltage:     {DeviceClass: "voltage", StateClass: "measurement", Icon: "mdi:sine-wave", Unit: "V"},
	model.CategoryCurrent:     {DeviceClass: "current", StateClass: "measurement", Icon: "mdi:current-ac", Unit: "A"},
	model.CategoryPower:       {DeviceClass: "power", StateClass: "measurement", Icon: "mdi:flash", Unit: "W"},
	model.CategoryEnergy:      {DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:lightning-bolt", Unit: "kWh"},
	model.CategoryChassis:     {Icon: "mdi:server"},
}

// Map converts parsed sensor records into stable entity readings. The
// mapping is deterministic and total: a record from a category the table
// does not know still maps, with an empty device class, so sensors added by
// firmware updates surface instead of vanishing.
func Map(records []model.SensorRecord) []model.Reading {
	readings := make([]model.Reading, 0, len(records))
	for _, rec := range records {
		readings = append(readings, model.Reading{
			Entity: entityFor(rec),
			Value:  rec.Value,
			Text:   rec.Text,
			Status: rec.Status,
		})
	}
	return readings
}

func entityFor(rec model.SensorRecord) model.Entity {
	info := classes[rec.Category]
	e := model.Entity{
		ID:   EntityID(rec.ID),
		Name: displayName(rec.ID),
	}
	switch {
	case rec.Numeric:
		e.ValueType = model.ValueNumeric
		e.Unit = displayUnit(rec.Unit, info.Unit)
		e.DeviceClass = info.DeviceClass
		e.StateClass = info.StateClass
		e.Icon = info.Icon
	case isEnumText(rec.Text):
		e.ValueType = model.ValueEnum
		e.Icon = "mdi:check-circle"
	default:
		e.ValueType = model.ValueText
		e.Icon = "mdi:check-circle"
	}
	return e
}

// EntityID flattens a sensor record identifier into the entity identifier
// used in topics and discovery payloads.
func EntityID(recordID string) string {
	return strings.ReplaceAll(recordID, "/", "_")
}

// TotalInputPower sums the PSU input power readings of one cycle. The
// second return is false when the cycle carried no power readings at all.
func TotalInputPower(records []model.SensorRecord) (float64, bool) {
	var (
		total float64
		found bool
	)
	for _, rec := range records {
		if rec.Numeric && rec.Unit == "W" && strings.HasPrefix(rec.ID, "psu") {
			total += rec.Value
			found = true
		}
	}
	return total, found
}

// TotalPowerEntity is the derived whole-chassis power draw entity.
func TotalPowerEntity() model.Entity {
	info := classes[model.CategoryPower]
	return model.Entity{
		ID:          "total_power",
		Name:        "Total Power",
		ValueType:   model.ValueNumeric,
		Unit:        info.Unit,
		DeviceClass: info.DeviceClass,
		StateClass:  info.StateClass,
		Icon:        info.Icon,
	}
}

// TotalEnergyEntity is the derived cumulative energy entity.
func TotalEnergyEntity() model.Entity {
	info := classes[model.CategoryEnergy]
	return model.Entity{
		ID:          "total_energy",
		Name:        "Total Energy",
		ValueType:   model.ValueNumeric,
		Unit:        info.Unit,
		DeviceClass: info.DeviceClass,
		StateClass:  info.StateClass,
		Icon:        info.Icon,
	}
}

// displayUnit prefers the parsed unit, translated to the symbol the
// discovery convention expects, and falls back to the category default.
func displayUnit(parsed, fallback string) string {
	switch parsed {
	case "C":
		return "°C"
	case "F":
		return "°F"
	case "":
		return fallback
	default:
		return parsed
	}
}

// isEnumText reports whether a textual value looks like a small closed set
// (status or power-state words) rather than free text.
func isEnumText(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok", "on", "off", "failed", "fail", "n/a", "active", "inactive", "true", "false", "present", "not present":
		return true
	}
	return false
}

func displayName(recordID string) string {
	parts := strings.Split(strings.ReplaceAll(recordID, "/", "_"), "_")
	for i, p := range parts {
		switch p {
		case "psu", "cpu", "rpm", "vrm":
			parts[i] = strings.ToUpper(p)
		default:
			if p != "" {
				parts[i] = strings.ToUpper(p[:1]) + p[1:]
			}
		}
	}
	return strings.Join(parts, " ")
}
