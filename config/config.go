package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	coremetrics "github.com/techthom/ipmi2mqtt/core/metrics"
	"github.com/techthom/ipmi2mqtt/infra/ipmi"
	"github.com/techthom/ipmi2mqtt/infra/mqtt"
)

// Config aggregates all service settings.
type Config struct {
	MQTT    mqtt.Config        `json:"mqtt"`
	IPMI    ipmi.Config        `json:"ipmi"`
	Metrics coremetrics.Config `json:"metrics"`
	Poll    PollConfig         `json:"poll"`
	Energy  EnergyConfig       `json:"energy"`
	Device  DeviceConfig       `json:"device"`
}

// PollConfig drives the fixed-interval query loop.
type PollConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// SetDefaults applies the conventional poll cadence.
func (c *PollConfig) SetDefaults() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 60
	}
}

// EnergyConfig controls the cumulative energy counter. An empty state file
// path disables persistence across restarts.
type EnergyConfig struct {
	StateFile string `json:"state_file"`
}

// DeviceConfig describes the monitored server in discovery payloads.
type DeviceConfig struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
}

// SetDefaults fills in the device description shown by consumers.
func (c *DeviceConfig) SetDefaults(clientID string) {
	if c.Name == "" {
		c.Name = fmt.Sprintf("IPMI Server (%s)", clientID)
	}
	if c.Model == "" {
		c.Model = "Supermicro IPMI"
	}
	if c.Manufacturer == "" {
		c.Manufacturer = "TechThom"
	}
}

// envKeys maps the environment variables recognized since the first
// deployments onto config paths. Unlisted variables are ignored.
var envKeys = map[string]string{
	"MQTT_BROKER":     "mqtt.broker",
	"MQTT_PORT":       "mqtt.port",
	"MQTT_USER":       "mqtt.username",
	"MQTT_PASS":       "mqtt.password",
	"MQTT_ID":         "mqtt.client_id",
	"MQTT_BASE_TOPIC": "mqtt.base_topic",
	"IPMI_HOST":       "ipmi.host",
	"IPMI_USER":       "ipmi.username",
	"IPMI_PASS":       "ipmi.password",
	"IPMI_MODE":       "ipmi.mode",
	"IPMI_TIMEOUT":    "ipmi.timeout_seconds",
	"INTERVAL":        "poll.interval_seconds",
	"ENERGY_FILE":     "energy.state_file",
	"PROMETHEUS_ADDR": "metrics.prometheus_addr",
	"INFLUX_URL":      "metrics.influx_url",
	"INFLUX_TOKEN":    "metrics.influx_token",
	"INFLUX_ORG":      "metrics.influx_org",
	"INFLUX_BUCKET":   "metrics.influx_bucket",
}

// Load reads the optional configuration file and applies environment
// overrides. An empty path configures from the environment alone.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = defaultClientID()
	}
	if cfg.Metrics.PrometheusAddr != "" {
		cfg.Metrics.PrometheusEnabled = true
	}
	if cfg.Metrics.InfluxURL != "" {
		cfg.Metrics.InfluxEnabled = true
	}
	cfg.MQTT.SetDefaults()
	cfg.IPMI.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.Poll.SetDefaults()
	cfg.Device.SetDefaults(cfg.MQTT.ClientID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no usable default. Failures here
// are the only condition that terminates the process.
func (c Config) Validate() error {
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.IPMI.Validate(); err != nil {
		return err
	}
	return nil
}

// defaultClientID derives a stable client identity from the hostname,
// falling back to a random suffix when the hostname is unavailable.
func defaultClientID() string {
	if hn, err := os.Hostname(); err == nil && hn != "" {
		return "ipmi_" + hn
	}
	return "ipmi_" + uuid.NewString()[:8]
}
