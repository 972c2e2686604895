package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/techthom/ipmi2mqtt/core/bus"
	"github.com/techthom/ipmi2mqtt/core/model"
	"github.com/techthom/ipmi2mqtt/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT publisher.
type Config struct {
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	// BaseTopic is the state topic namespace. Defaults to
	// "techthom/<client_id>".
	BaseTopic string `json:"base_topic"`
	// DiscoveryPrefix is the auto-discovery topic root.
	DiscoveryPrefix string `json:"discovery_prefix"`
	QoS             byte   `json:"qos"`
	RetainState     bool   `json:"retain_state"`
	// MaxBackoffSeconds caps the reconnect backoff interval.
	MaxBackoffSeconds int `json:"max_backoff_seconds"`
}

// SetDefaults applies the conventional port, topics and backoff bound.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "techthom/" + c.ClientID
	}
	if c.MaxBackoffSeconds <= 0 {
		c.MaxBackoffSeconds = 120
	}
}

// Validate checks the fields that have no usable default.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	return nil
}

// BrokerURL returns the broker address in the form paho expects.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
}

// DeviceInfo identifies the monitored server in discovery payloads.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

type discoveryPayload struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Unit              string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	Device            DeviceInfo `json:"device"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Publisher owns the persistent broker session and the per-session
// discovery state. Discovery for an entity is always published before any
// state for it: on every (re)connect the announced set is cleared and
// replayed before buffered state values are flushed.
type Publisher struct {
	cli    pahoClient
	cfg    Config
	device DeviceInfo
	log    logger.Logger

	mu        sync.Mutex
	state     bus.ConnState
	announced map[string]string        // entity id -> discovery payload this session
	known     map[string]model.Entity  // every entity seen this process lifetime
	pending   map[string]model.Reading // latest reading per entity while down
}

// NewPublisher starts a broker session. The initial connect is retried in
// the background with capped exponential backoff; the publisher is usable
// immediately and buffers latest values until the session is up.
func NewPublisher(cfg Config, device DeviceInfo) (*Publisher, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Publisher{
		cfg:       cfg,
		device:    device,
		log:       logger.New("mqtt_publisher"),
		state:     bus.Connecting,
		announced: make(map[string]string),
		known:     make(map[string]model.Entity),
		pending:   make(map[string]model.Reading),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.MaxBackoffSeconds) * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(p.availabilityTopic(), "offline", cfg.QoS, true)

	opts.OnConnect = func(paho.Client) { p.onConnect() }
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		p.log.Warnf("connection lost: %v", err)
		p.setState(bus.Connecting)
	}
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) {
		p.setState(bus.Connecting)
	}

	cli := newMQTTClient(opts)
	token := cli.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			p.log.Errorf("connect: %v", token.Error())
		}
	}()
	p.cli = cli
	return p, nil
}

// State reports the current connection state.
func (p *Publisher) State() bus.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Publisher) setState(s bus.ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// onConnect runs on paho's network goroutine for every successful connect.
// The announced set belongs to the session that just ended, so it is
// cleared; discovery is then replayed for all known entities before any
// buffered state goes out.
func (p *Publisher) onConnect() {
	p.log.Infof("connected to %s", p.cfg.BrokerURL())

	p.mu.Lock()
	p.state = bus.Connected
	p.announced = make(map[string]string)
	entities := make([]model.Entity, 0, len(p.known))
	for _, e := range p.known {
		entities = append(entities, e)
	}
	replay := make([]model.Reading, 0, len(p.pending))
	for _, r := range p.pending {
		replay = append(replay, r)
	}
	p.pending = make(map[string]model.Reading)
	p.mu.Unlock()

	p.publish(p.availabilityTopic(), "online", true)
	for _, e := range entities {
		if err := p.PublishDiscovery(e); err != nil {
			p.log.Errorf("replay discovery %s: %v", e.ID, err)
		}
	}
	for _, r := range replay {
		if err := p.PublishState(r); err != nil {
			p.log.Errorf("replay state %s: %v", r.Entity.ID, err)
		}
	}
}

// PublishDiscovery announces an entity. Re-announcing an unchanged entity
// within one session is a no-op; a changed definition is re-published.
func (p *Publisher) PublishDiscovery(entity model.Entity) error {
	payload, err := json.Marshal(discoveryPayload{
		Name:              entity.Name,
		UniqueID:          p.cfg.ClientID + "_" + entity.ID,
		StateTopic:        p.stateTopic(entity.ID),
		AvailabilityTopic: p.availabilityTopic(),
		Unit:              entity.Unit,
		DeviceClass:       entity.DeviceClass,
		StateClass:        entity.StateClass,
		Icon:              entity.Icon,
		Device:            p.device,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.known[entity.ID] = entity
	if p.announced[entity.ID] == string(payload) {
		p.mu.Unlock()
		return nil
	}
	connected := p.state == bus.Connected
	p.mu.Unlock()

	if !connected {
		return bus.ErrNotConnected
	}
	if err := p.publish(p.discoveryTopic(entity.ID), payload, true); err != nil {
		return err
	}
	p.mu.Lock()
	p.announced[entity.ID] = string(payload)
	p.mu.Unlock()
	p.log.Debugf("discovery published for %s", entity.ID)
	return nil
}

// PublishState publishes the reading's value. While the session is down the
// latest value per entity is buffered and ErrNotConnected returned; the
// call never blocks waiting for the broker to come back.
func (p *Publisher) PublishState(reading model.Reading) error {
	id := reading.Entity.ID

	p.mu.Lock()
	if p.state != bus.Connected {
		p.pending[id] = reading
		p.known[id] = reading.Entity
		p.mu.Unlock()
		return bus.ErrNotConnected
	}
	_, ok := p.announced[id]
	p.mu.Unlock()

	if !ok {
		// Discovery-before-state: announce on first sight.
		if err := p.PublishDiscovery(reading.Entity); err != nil {
			return err
		}
	}
	return p.publish(p.stateTopic(id), statePayload(reading), p.cfg.RetainState)
}

func statePayload(r model.Reading) string {
	if r.Entity.ValueType == model.ValueNumeric {
		return strconv.FormatFloat(r.Value, 'f', -1, 64)
	}
	return r.Text
}

func (p *Publisher) publish(topic string, payload interface{}, retain bool) error {
	token := p.cli.Publish(topic, p.cfg.QoS, retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: %w", topic, bus.ErrNotConnected)
	}
	return token.Error()
}

// Close publishes the offline availability message and disconnects.
func (p *Publisher) Close() {
	if p.cli != nil && p.cli.IsConnected() {
		if err := p.publish(p.availabilityTopic(), "offline", true); err != nil {
			p.log.Errorf("availability offline: %v", err)
		}
		p.cli.Disconnect(250)
	}
	p.setState(bus.Disconnected)
}

func (p *Publisher) stateTopic(entityID string) string {
	return p.cfg.BaseTopic + "/" + entityID + "/state"
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.BaseTopic + "/availability"
}

func (p *Publisher) discoveryTopic(entityID string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", p.cfg.DiscoveryPrefix, p.cfg.ClientID, entityID)
}
