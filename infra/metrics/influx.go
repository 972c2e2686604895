package metrics

import (
	"context"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/core/model"
	"github.com/techthom/ipmi2mqtt/infra/logger"
)

// InfluxSink writes raw sensor readings and cycle outcomes to an InfluxDB
// instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	host     string
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint. The host
// tag identifies the monitored server in the written points.
func NewInfluxSink(cfg coremetrics.Config, host string) *InfluxSink {
	base := strings.TrimSuffix(cfg.InfluxURL, "/api/v2/write")
	client := influxdb2.NewClient(base, cfg.InfluxToken)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		host:     host,
		log:      logger.New("influx_sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails, so a missing database never blocks
// telemetry publication.
func NewInfluxSinkWithFallback(cfg coremetrics.Config, host string) coremetrics.Sink {
	sink := NewInfluxSink(cfg, host)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordCycle writes the cycle summary as a single point.
func (s *InfluxSink) RecordCycle(res coremetrics.CycleResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("ipmi_poll_cycle").
		AddTag("host", s.host).
		AddTag("outcome", string(res.Outcome)).
		AddField("records", res.Records).
		AddField("skipped_lines", res.SkippedLines).
		AddField("dropped_publishes", res.DroppedPublishes).
		AddField("consecutive_failures", res.ConsecutiveFailures).
		AddField("duration_ms", res.Duration.Milliseconds()).
		SetTime(res.Timestamp)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordReadings writes each numeric reading as a point tagged by entity.
func (s *InfluxSink) RecordReadings(readings []model.Reading) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now()
	for _, r := range readings {
		if r.Entity.ValueType != model.ValueNumeric {
			continue
		}
		p := write.NewPointWithMeasurement("ipmi_sensor").
			AddTag("host", s.host).
			AddTag("entity", r.Entity.ID).
			AddTag("unit", r.Entity.Unit).
			AddField("value", r.Value).
			AddField("status", r.Status.String()).
			SetTime(now)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying HTTP client.
func (s *InfluxSink) Close() { s.client.Close() }
