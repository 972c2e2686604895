package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/core/model"
)

// PromSink records poll cycles and sensor readings as Prometheus metrics.
type PromSink struct {
	cycles       *prometheus.CounterVec
	records      prometheus.Counter
	skipped      prometheus.Counter
	dropped      prometheus.Counter
	consecutive  prometheus.Gauge
	duration     prometheus.Histogram
	sensorValues *prometheus.GaugeVec
}

// NewPromSink registers the poll metrics on the provided registerer. If reg
// is nil, the default registerer is used. Already-registered collectors are
// reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipmi_poll_cycles_total",
			Help: "Total poll cycles by outcome",
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipmi_sensor_records_total",
			Help: "Total sensor records parsed",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipmi_parse_skipped_lines_total",
			Help: "Total output lines that could not be parsed",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipmi_publish_dropped_total",
			Help: "Total state publishes dropped while the bus was down",
		}),
		consecutive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipmi_consecutive_failures",
			Help: "Consecutive failed poll cycles",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipmi_poll_cycle_duration_seconds",
			Help:    "Poll cycle duration including the tool invocation",
			Buckets: prometheus.DefBuckets,
		}),
		sensorValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ipmi_sensor_value",
			Help: "Latest numeric sensor reading",
		}, []string{"entity", "unit"}),
	}

	for _, c := range []prometheus.Collector{
		s.cycles, s.records, s.skipped, s.dropped, s.consecutive, s.duration, s.sensorValues,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return s, nil
}

// RecordCycle updates the cycle counters and gauges.
func (s *PromSink) RecordCycle(res coremetrics.CycleResult) error {
	s.cycles.WithLabelValues(string(res.Outcome)).Inc()
	s.records.Add(float64(res.Records))
	s.skipped.Add(float64(res.SkippedLines))
	s.dropped.Add(float64(res.DroppedPublishes))
	s.consecutive.Set(float64(res.ConsecutiveFailures))
	s.duration.Observe(res.Duration.Seconds())
	return nil
}

// RecordReadings exports the latest numeric reading per entity.
func (s *PromSink) RecordReadings(readings []model.Reading) error {
	for _, r := range readings {
		if r.Entity.ValueType != model.ValueNumeric {
			continue
		}
		s.sensorValues.WithLabelValues(r.Entity.ID, r.Entity.Unit).Set(r.Value)
	}
	return nil
}
