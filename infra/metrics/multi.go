package metrics

import (
	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/core/model"
)

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordCycle forwards the record to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordCycle(res coremetrics.CycleResult) error {
	for _, s := range m.Sinks {
		if err := s.RecordCycle(res); err != nil {
			return err
		}
	}
	return nil
}

// RecordReadings forwards the readings to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordReadings(readings []model.Reading) error {
	for _, s := range m.Sinks {
		if err := s.RecordReadings(readings); err != nil {
			return err
		}
	}
	return nil
}
