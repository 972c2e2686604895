package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/techthom/ipmi2mqtt/core/bus"
	"github.com/techthom/ipmi2mqtt/core/energy"
	"github.com/techthom/ipmi2mqtt/core/logger"
	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/core/model"
	"github.com/techthom/ipmi2mqtt/core/parse"
	"github.com/techthom/ipmi2mqtt/core/schema"
	"github.com/techthom/ipmi2mqtt/internal/eventbus"
)

// State is the scheduler's position in a poll cycle.
type State int32

const (
	StateIdle State = iota
	StateInvoking
	StateParsing
	StateMapping
	StatePublishing
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInvoking:
		return "invoking"
	case StateParsing:
		return "parsing"
	case StateMapping:
		return "mapping"
	case StatePublishing:
		return "publishing"
	default:
		return "idle"
	}
}

// Invoker runs one management-controller query. Implemented by
// infra/ipmi.ExecInvoker.
type Invoker interface {
	Run(ctx context.Context) (model.RawQueryResult, error)
}

// Scheduler drives the fixed-interval invoke → parse → map → publish loop.
// Every stage failure is contained within its cycle: the loop never
// terminates except through context cancellation.
type Scheduler struct {
	invoker  Invoker
	pub      bus.Publisher
	acc      *energy.Accumulator
	events   *eventbus.Bus
	log      logger.Logger
	interval time.Duration

	state    atomic.Int32
	failures int
}

// New creates a Scheduler. The accumulator may be nil when the energy
// counter is disabled.
func New(invoker Invoker, pub bus.Publisher, acc *energy.Accumulator, events *eventbus.Bus, log logger.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		invoker:  invoker,
		pub:      pub,
		acc:      acc,
		events:   events,
		log:      log,
		interval: interval,
	}
}

// State reports the current cycle stage.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// ConsecutiveFailures reports how many cycles in a row have failed. It is
// diagnostic only and never terminates the loop.
func (s *Scheduler) ConsecutiveFailures() int { return s.failures }

// Run executes poll cycles until the context is cancelled. The interval is
// measured start-to-start; when a cycle overruns, the next one starts on
// the pending tick rather than stacking, so at most one cycle is ever in
// flight.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	start := time.Now()
	res := coremetrics.CycleResult{Timestamp: start}

	s.state.Store(int32(StateInvoking))
	raw, err := s.invoker.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.failures++
			s.log.Errorf("query invocation failed: %v", err)
		}
		s.finish(res, nil, coremetrics.OutcomeInvocation, start)
		return
	}
	if raw.ExitCode != 0 {
		s.log.Warnf("query tool exit %d: %s", raw.ExitCode, firstLine(raw.Stderr))
	}

	s.state.Store(int32(StateParsing))
	records, stats, err := parse.Parse(raw.Stdout)
	res.SkippedLines = stats.Skipped
	if err != nil || len(records) == 0 {
		s.failures++
		s.log.Errorf("no usable records in tool output (exit %d, %d lines): %v", raw.ExitCode, stats.Lines, err)
		s.finish(res, nil, coremetrics.OutcomeParse, start)
		return
	}
	res.Records = stats.Parsed

	s.state.Store(int32(StateMapping))
	readings := schema.Map(records)
	if total, ok := schema.TotalInputPower(records); ok {
		readings = append(readings, model.Reading{
			Entity: schema.TotalPowerEntity(),
			Value:  total,
			Status: model.StatusOK,
		})
		if s.acc != nil {
			readings = append(readings, model.Reading{
				Entity: schema.TotalEnergyEntity(),
				Value:  s.acc.Add(total),
				Status: model.StatusOK,
			})
		}
	}

	s.state.Store(int32(StatePublishing))
	for _, r := range readings {
		if err := s.pub.PublishState(r); err != nil {
			if errors.Is(err, bus.ErrNotConnected) {
				res.DroppedPublishes++
				continue
			}
			s.log.Errorf("publish %s: %v", r.Entity.ID, err)
		}
	}
	if res.DroppedPublishes > 0 {
		s.log.Warnf("bus %s: dropped %d state publishes", s.pub.State(), res.DroppedPublishes)
	}

	s.failures = 0
	outcome := coremetrics.OutcomeOK
	if stats.Skipped > 0 {
		outcome = coremetrics.OutcomePartial
	}
	s.finish(res, readings, outcome, start)
}

func (s *Scheduler) finish(res coremetrics.CycleResult, readings []model.Reading, outcome coremetrics.CycleOutcome, start time.Time) {
	res.Outcome = outcome
	res.ConsecutiveFailures = s.failures
	res.Duration = time.Since(start)
	if s.events != nil {
		s.events.Publish(eventbus.CycleEvent{Result: res, Readings: readings})
	}
	s.state.Store(int32(StateIdle))
	s.log.Debugw("cycle finished", map[string]any{
		"outcome":  string(outcome),
		"records":  res.Records,
		"skipped":  res.SkippedLines,
		"dropped":  res.DroppedPublishes,
		"failures": res.ConsecutiveFailures,
		"duration": res.Duration.String(),
	})
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
