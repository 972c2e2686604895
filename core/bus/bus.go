package bus

import (
	"errors"

	"github.com/techthom/ipmi2mqtt/core/model"
)

// ErrNotConnected is returned when a publish is attempted while the bus
// session is down. The value is dropped, not queued; telemetry is
// best-effort.
var ErrNotConnected = errors.New("bus not connected")

// ConnState describes the bus session state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

// String returns a human-readable representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Publisher is the message-bus side of the telemetry pipeline. Discovery
// for an entity must be published before any state for it; implementations
// enforce that ordering per connection session.
type Publisher interface {
	// PublishDiscovery announces an entity's metadata. Repeat announcements
	// of an unchanged entity within one session are no-ops.
	PublishDiscovery(entity model.Entity) error

	// PublishState publishes the current value for a reading. While the
	// session is down only the latest value per entity is retained and
	// ErrNotConnected is returned; the call never blocks on the transport.
	PublishState(reading model.Reading) error

	// State reports the current connection state.
	State() ConnState

	// Close shuts the session down cleanly.
	Close()
}
