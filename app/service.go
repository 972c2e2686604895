package app

import (
	"context"
	"fmt"
	"time"

	"github.com/techthom/ipmi2mqtt/config"
	"github.com/techthom/ipmi2mqtt/core/energy"
	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/core/poll"
	"github.com/techthom/ipmi2mqtt/infra/ipmi"
	"github.com/techthom/ipmi2mqtt/infra/logger"
	"github.com/techthom/ipmi2mqtt/infra/metrics"
	"github.com/techthom/ipmi2mqtt/infra/mqtt"
	"github.com/techthom/ipmi2mqtt/internal/eventbus"
)

// Service orchestrates the poll scheduler, the bus publisher and the
// metrics sinks.
type Service struct {
	sched  *poll.Scheduler
	pub    *mqtt.Publisher
	events *eventbus.Bus
	sink   coremetrics.Sink
	log    logger.Logger

	promEnabled bool
	promAddr    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	pub, err := mqtt.NewPublisher(cfg.MQTT, mqtt.DeviceInfo{
		Identifiers:  []string{cfg.MQTT.ClientID},
		Name:         cfg.Device.Name,
		Model:        cfg.Device.Model,
		Manufacturer: cfg.Device.Manufacturer,
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt publisher: %w", err)
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(nil)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.Metrics, cfg.IPMI.Host))
	}
	var sink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	invoker := ipmi.NewExecInvoker(cfg.IPMI)
	logg.Infof("query command: %s", cfg.IPMI)

	acc := energy.New(cfg.Energy.StateFile, logger.New("energy"))
	events := eventbus.New()
	interval := time.Duration(cfg.Poll.IntervalSeconds) * time.Second
	sched := poll.New(invoker, pub, acc, events, logger.New("poll"), interval)

	return &Service{
		sched:       sched,
		pub:         pub,
		events:      events,
		sink:        sink,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promAddr:    cfg.Metrics.PrometheusAddr,
	}, nil
}

// Run starts the poll loop and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	sub := s.events.Subscribe()
	go func() {
		for ev := range sub {
			if err := s.sink.RecordCycle(ev.Result); err != nil {
				s.log.Errorf("record cycle: %v", err)
			}
			if len(ev.Readings) > 0 {
				if err := s.sink.RecordReadings(ev.Readings); err != nil {
					s.log.Errorf("record readings: %v", err)
				}
			}
		}
	}()

	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	s.log.Infof("starting poll loop")
	return s.sched.Run(ctx)
}

// Close releases the bus session and the event bus.
func (s *Service) Close() error {
	s.events.Close()
	s.pub.Close()
	return nil
}
