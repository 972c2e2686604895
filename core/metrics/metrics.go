package metrics

import (
	"time"

	"github.com/techthom/ipmi2mqtt/core/model"
)

// CycleOutcome labels how a poll cycle ended.
type CycleOutcome string

const (
	OutcomeOK         CycleOutcome = "ok"
	OutcomePartial    CycleOutcome = "partial"
	OutcomeInvocation CycleOutcome = "invocation_error"
	OutcomeParse      CycleOutcome = "parse_error"
)

// CycleResult summarizes one poll cycle for observability sinks.
type CycleResult struct {
	Outcome             CycleOutcome
	Records             int
	SkippedLines        int
	DroppedPublishes    int
	ConsecutiveFailures int
	Duration            time.Duration
	Timestamp           time.Time
}

// Sink records poll-cycle outcomes and sensor readings.
type Sink interface {
	RecordCycle(res CycleResult) error
	RecordReadings(readings []model.Reading) error
}

// NopSink implements Sink with no-op methods.
type NopSink struct{}

func (NopSink) RecordCycle(CycleResult) error        { return nil }
func (NopSink) RecordReadings([]model.Reading) error { return nil }

// Config selects which metrics sinks are active.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusAddr    string `json:"prometheus_addr"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}

// SetDefaults applies the default listen address for the metrics endpoint.
func (c *Config) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9105"
	}
}
