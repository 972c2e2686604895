package test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/techthom/ipmi2mqtt/core/bus"
	"github.com/techthom/ipmi2mqtt/core/poll"
	"github.com/techthom/ipmi2mqtt/infra/ipmi"
	"github.com/techthom/ipmi2mqtt/infra/logger"
	"github.com/techthom/ipmi2mqtt/infra/mqtt"
	"github.com/techthom/ipmi2mqtt/internal/eventbus"
)

func waitForMQTTReady(broker string, timeout time.Duration) error {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("probe")
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		lastErr = token.Error()
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for broker")
	}
	return lastErr
}

func startMosquitto(ctx context.Context, t *testing.T) (tc.Container, string, int) {
	t.Helper()
	conf := `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
log_type notice
`
	dir := t.TempDir()
	path := filepath.Join(dir, "mosquitto.conf")
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		t.Fatalf("write conf: %v", err)
	}

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Files: []tc.ContainerFile{
			{
				HostFilePath:      path,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0644,
			},
		},
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("container start: %v", err)
	}
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "1883")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	broker := fmt.Sprintf("tcp://%s:%d", host, port.Int())
	if err := waitForMQTTReady(broker, 5*time.Second); err != nil {
		t.Logf("mosquitto not ready at %s: %v", broker, err)
		t.Skip("Mosquitto not ready after retries")
	}
	return cont, host, port.Int()
}

type msgRecorder struct {
	mu   sync.Mutex
	msgs []recordedMsg
}

type recordedMsg struct {
	topic   string
	payload string
}

func (r *msgRecorder) record(_ paho.Client, m paho.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, recordedMsg{topic: m.Topic(), payload: string(m.Payload())})
	r.mu.Unlock()
}

func (r *msgRecorder) snapshot() []recordedMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedMsg(nil), r.msgs...)
}

func (r *msgRecorder) waitFor(topic string, timeout time.Duration) (recordedMsg, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range r.snapshot() {
			if m.topic == topic {
				return m, true
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return recordedMsg{}, false
}

func TestPollCyclePublishesOverBroker(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()

	cont, host, port := startMosquitto(ctx, t)
	defer func() { _ = cont.Terminate(ctx) }()
	broker := fmt.Sprintf("tcp://%s:%d", host, port)

	rec := &msgRecorder{}
	obsOpts := paho.NewClientOptions().AddBroker(broker).SetClientID("observer")
	obs := paho.NewClient(obsOpts)
	if token := obs.Connect(); token.Wait() && token.Error() != nil {
		t.Fatalf("observer connect: %v", token.Error())
	}
	defer obs.Disconnect(100)
	for _, filter := range []string{"homeassistant/#", "techthom/#"} {
		if token := obs.Subscribe(filter, 0, rec.record); token.Wait() && token.Error() != nil {
			t.Fatalf("subscribe %s: %v", filter, token.Error())
		}
	}

	pub, err := mqtt.NewPublisher(mqtt.Config{
		Broker:   host,
		Port:     port,
		ClientID: "e2esrv",
	}, mqtt.DeviceInfo{Identifiers: []string{"e2esrv"}, Name: "E2E Server"})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()

	deadline := time.Now().Add(5 * time.Second)
	for pub.State() != bus.Connected && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if pub.State() != bus.Connected {
		t.Fatal("publisher never connected")
	}

	inv := ipmi.NewExecInvoker(ipmi.Config{
		Command:  []string{"sh", "-c", "printf 'CPU Temp : 45 degrees C (OK)\\nFAN1 : 1200 RPM (OK)\\n'"},
		Host:     "10.0.0.1",
		Username: "admin",
		Password: "pw",
	})

	events := eventbus.New()
	defer events.Close()
	sub := events.Subscribe()

	sched := poll.New(inv, pub, nil, events, logger.NopLogger{}, time.Second)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = sched.Run(runCtx)
		close(done)
	}()

	select {
	case ev := <-sub:
		if got := ev.Result.Records; got != 2 {
			t.Errorf("records = %d, want 2", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no cycle event")
	}
	cancel()
	<-done

	availability, ok := rec.waitFor("techthom/e2esrv/availability", 5*time.Second)
	if !ok {
		t.Fatal("availability message missing")
	}
	if availability.payload != "online" {
		t.Errorf("availability = %q, want online", availability.payload)
	}

	state, ok := rec.waitFor("techthom/e2esrv/cpu_temp/state", 5*time.Second)
	if !ok {
		t.Fatal("cpu_temp state missing")
	}
	if state.payload != "45" {
		t.Errorf("cpu_temp state = %q, want 45", state.payload)
	}

	discovery, ok := rec.waitFor("homeassistant/sensor/e2esrv/cpu_temp/config", 5*time.Second)
	if !ok {
		t.Fatal("cpu_temp discovery missing")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(discovery.payload), &payload); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	if payload["state_topic"] != "techthom/e2esrv/cpu_temp/state" {
		t.Errorf("state_topic = %v", payload["state_topic"])
	}

	// Discovery has to land before the first state for the same entity.
	for _, id := range []string{"cpu_temp", "fan_1"} {
		discoveryIdx, stateIdx := -1, -1
		for i, m := range rec.snapshot() {
			switch {
			case strings.Contains(m.topic, id+"/config") && discoveryIdx < 0:
				discoveryIdx = i
			case strings.Contains(m.topic, id+"/state") && stateIdx < 0:
				stateIdx = i
			}
		}
		if discoveryIdx < 0 || stateIdx < 0 {
			t.Fatalf("%s: missing discovery or state", id)
		}
		if discoveryIdx > stateIdx {
			t.Errorf("%s: state observed before discovery", id)
		}
	}
}
