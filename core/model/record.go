package model

import "time"

// RawQueryResult captures one invocation of the management query tool.
// It is produced once per poll cycle and consumed immediately by the parser.
type RawQueryResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Status is the health flag reported for a sensor reading.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusWarning
	StatusCritical
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category classifies a sensor by the physical quantity it measures.
type Category int

const (
	CategoryOther Category = iota
	CategoryTemperature
	CategoryFan
	CategoryVoltage
	CategoryCurrent
	CategoryPower
	CategoryEnergy
	CategoryChassis
)

// String returns a human-readable representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryTemperature:
		return "temperature"
	case CategoryFan:
		return "fan"
	case CategoryVoltage:
		return "voltage"
	case CategoryCurrent:
		return "current"
	case CategoryPower:
		return "power"
	case CategoryEnergy:
		return "energy"
	case CategoryChassis:
		return "chassis"
	default:
		return "other"
	}
}

// SensorRecord is one typed reading extracted from the tool's text output.
type SensorRecord struct {
	ID       string   // stable id derived from section + normalized label
	RawLabel string   // label text as it appeared in the output
	Value    float64  // numeric value, meaningful only when Numeric is true
	Text     string   // textual value for non-numeric readings (e.g. "ON", "OK")
	Numeric  bool     // whether Value holds a parsed number
	Unit     string   // unit suffix as reported, e.g. "C", "RPM", "V"
	Category Category // inferred from section and unit
	Status   Status
}

// ValueType describes the shape of an entity's published state.
type ValueType int

const (
	ValueNumeric ValueType = iota
	ValueText
	ValueEnum
)

// String returns a human-readable representation of the value type.
func (v ValueType) String() string {
	switch v {
	case ValueNumeric:
		return "numeric"
	case ValueEnum:
		return "enum"
	default:
		return "text"
	}
}

// Entity is the stable, mapped form of a sensor record. Its ID is a pure
// function of the normalized raw label so that restarts and minor format
// drift in the tool output never change an entity's identity.
type Entity struct {
	ID          string
	Name        string
	ValueType   ValueType
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
}

// Reading pairs an entity with the value observed in the current cycle.
type Reading struct {
	Entity Entity
	Value  float64
	Text   string
	Status Status
}

// StateValue returns the payload value to publish for this reading.
func (r Reading) StateValue() any {
	if r.Entity.ValueType == ValueNumeric {
		return r.Value
	}
	return r.Text
}
