package poll

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techthom/ipmi2mqtt/core/bus"
	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/core/model"
	"github.com/techthom/ipmi2mqtt/infra/ipmi"
	"github.com/techthom/ipmi2mqtt/infra/logger"
	"github.com/techthom/ipmi2mqtt/internal/eventbus"
)

type fakeInvoker struct {
	outputs []model.RawQueryResult
	errs    []error
	calls   int
}

func (f *fakeInvoker) Run(ctx context.Context) (model.RawQueryResult, error) {
	i := f.calls
	f.calls++
	if i >= len(f.outputs) {
		i = len(f.outputs) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.outputs[i], err
}

type fakePublisher struct {
	connected bool
	published []string // "discovery:<id>" / "state:<id>" in call order
	announced map[string]bool
}

func newFakePublisher(connected bool) *fakePublisher {
	return &fakePublisher{connected: connected, announced: map[string]bool{}}
}

func (f *fakePublisher) PublishDiscovery(e model.Entity) error {
	if !f.connected {
		return bus.ErrNotConnected
	}
	f.published = append(f.published, "discovery:"+e.ID)
	f.announced[e.ID] = true
	return nil
}

func (f *fakePublisher) PublishState(r model.Reading) error {
	if !f.connected {
		return bus.ErrNotConnected
	}
	if !f.announced[r.Entity.ID] {
		if err := f.PublishDiscovery(r.Entity); err != nil {
			return err
		}
	}
	f.published = append(f.published, "state:"+r.Entity.ID)
	return nil
}

func (f *fakePublisher) State() bus.ConnState {
	if f.connected {
		return bus.Connected
	}
	return bus.Disconnected
}

func (f *fakePublisher) Close() {}

const goodOutput = `CPU Temp : 45 degrees C (OK)
FAN1 : 1200 RPM (OK)
`

func newScheduler(inv Invoker, pub bus.Publisher, events *eventbus.Bus) *Scheduler {
	return New(inv, pub, nil, events, logger.NopLogger{}, 10*time.Millisecond)
}

func runOneCycle(t *testing.T, s *Scheduler, events *eventbus.Bus) eventbus.CycleEvent {
	t.Helper()
	sub := events.Subscribe()
	defer events.Unsubscribe(sub)
	s.cycle(context.Background())
	select {
	case ev := <-sub:
		return ev
	default:
		t.Fatal("no cycle event published")
		return eventbus.CycleEvent{}
	}
}

func TestCyclePublishesReadings(t *testing.T) {
	inv := &fakeInvoker{outputs: []model.RawQueryResult{{Stdout: goodOutput}}}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	ev := runOneCycle(t, s, events)
	assert.Equal(t, coremetrics.OutcomeOK, ev.Result.Outcome)
	assert.Equal(t, 2, ev.Result.Records)
	assert.Len(t, ev.Readings, 2)
	assert.Equal(t, 0, s.ConsecutiveFailures())
	assert.Contains(t, pub.published, "state:cpu_temp")
	assert.Contains(t, pub.published, "state:fan_1")
}

func TestDiscoveryBeforeState(t *testing.T) {
	inv := &fakeInvoker{outputs: []model.RawQueryResult{{Stdout: goodOutput}}}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	runOneCycle(t, s, events)

	seen := map[string]bool{}
	for _, msg := range pub.published {
		if len(msg) > 6 && msg[:6] == "state:" {
			assert.True(t, seen["discovery:"+msg[6:]], "state before discovery for %s", msg)
		}
		seen[msg] = true
	}
}

func TestInvocationErrorSkipsCycle(t *testing.T) {
	inv := &fakeInvoker{
		outputs: []model.RawQueryResult{{}},
		errs:    []error{fmt.Errorf("%w: binary missing", ipmi.ErrInvocation)},
	}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	ev := runOneCycle(t, s, events)
	assert.Equal(t, coremetrics.OutcomeInvocation, ev.Result.Outcome)
	assert.Equal(t, 1, ev.Result.ConsecutiveFailures)
	assert.Empty(t, pub.published, "nothing published on a failed cycle")
}

func TestParseFailureSkipsPublish(t *testing.T) {
	inv := &fakeInvoker{outputs: []model.RawQueryResult{{Stdout: "total garbage\n"}}}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	ev := runOneCycle(t, s, events)
	assert.Equal(t, coremetrics.OutcomeParse, ev.Result.Outcome)
	assert.Empty(t, pub.published)
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	inv := &fakeInvoker{
		outputs: []model.RawQueryResult{
			{Stdout: ""},
			{Stdout: ""},
			{Stdout: goodOutput},
		},
		errs: []error{ipmi.ErrInvocation, ipmi.ErrInvocation, nil},
	}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	runOneCycle(t, s, events)
	runOneCycle(t, s, events)
	assert.Equal(t, 2, s.ConsecutiveFailures())
	runOneCycle(t, s, events)
	assert.Equal(t, 0, s.ConsecutiveFailures())
}

func TestDisconnectedBusDropsWithoutError(t *testing.T) {
	inv := &fakeInvoker{outputs: []model.RawQueryResult{{Stdout: goodOutput}}}
	pub := newFakePublisher(false)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	ev := runOneCycle(t, s, events)
	assert.Equal(t, coremetrics.OutcomeOK, ev.Result.Outcome)
	assert.Equal(t, 2, ev.Result.DroppedPublishes)
	assert.Equal(t, 0, s.ConsecutiveFailures(), "bus loss is not a cycle failure")
}

func TestPartialParseIsPartialOutcome(t *testing.T) {
	out := goodOutput + "unparseable nonsense line\n"
	inv := &fakeInvoker{outputs: []model.RawQueryResult{{Stdout: out}}}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	ev := runOneCycle(t, s, events)
	assert.Equal(t, coremetrics.OutcomePartial, ev.Result.Outcome)
	assert.Equal(t, 2, ev.Result.Records)
	assert.Equal(t, 1, ev.Result.SkippedLines)
}

func TestRunStopsOnCancel(t *testing.T) {
	inv := &fakeInvoker{outputs: []model.RawQueryResult{{Stdout: goodOutput}}}
	pub := newFakePublisher(true)
	events := eventbus.New()
	s := newScheduler(inv, pub, events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(25 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.GreaterOrEqual(t, inv.calls, 2, "ticker should have fired")
	assert.Equal(t, StateIdle, s.State())
}
