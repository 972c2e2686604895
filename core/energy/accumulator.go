package energy

import (
	"encoding/json"
	"os"
	"time"

	"gonum.org/v1/gonum/integrate"

	"github.com/techthom/ipmi2mqtt/core/logger"
)

// State is the persisted accumulator state. The on-disk format matches the
// deployed installations, so field names must not change.
type State struct {
	LastPowerW     float64 `json:"last_power_w"`
	LastUpdateUnix float64 `json:"last_update_ts"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
}

// Accumulator integrates instantaneous power draw over wall-clock time into
// a cumulative energy counter. The counter survives restarts through a JSON
// state file; a missing or corrupt file restarts the counter at zero.
type Accumulator struct {
	path string
	log  logger.Logger
	st   State
	now  func() time.Time
}

// New loads the accumulator state from path. An empty path disables
// persistence but the in-memory counter still runs.
func New(path string, log logger.Logger) *Accumulator {
	a := &Accumulator{path: path, log: log, now: time.Now}
	a.st.LastUpdateUnix = float64(a.now().Unix())
	if path == "" {
		return a
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("read energy state: %v", err)
		}
		log.Infof("no energy state at %s, starting from 0 kWh", path)
		return a
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		log.Errorf("corrupt energy state, starting from 0 kWh: %v", err)
		return a
	}
	a.st = st
	log.Infof("loaded energy state: %.3f kWh", st.TotalEnergyKWh)
	return a
}

// Total returns the cumulative energy in kWh.
func (a *Accumulator) Total() float64 { return a.st.TotalEnergyKWh }

// Add records a new instantaneous power reading in watts and returns the
// updated cumulative total in kWh. The interval since the previous reading
// is integrated with the trapezoidal rule.
func (a *Accumulator) Add(powerW float64) float64 {
	now := float64(a.now().Unix())
	dtHours := (now - a.st.LastUpdateUnix) / 3600
	if dtHours > 0 {
		wh := integrate.Trapezoidal(
			[]float64{0, dtHours},
			[]float64{a.st.LastPowerW, powerW},
		)
		a.st.TotalEnergyKWh += wh / 1000
	}
	a.st.LastPowerW = powerW
	a.st.LastUpdateUnix = now
	a.save()
	return a.st.TotalEnergyKWh
}

func (a *Accumulator) save() {
	if a.path == "" {
		return
	}
	b, err := json.Marshal(a.st)
	if err != nil {
		a.log.Errorf("encode energy state: %v", err)
		return
	}
	if err := os.WriteFile(a.path, b, 0o644); err != nil {
		a.log.Errorf("save energy state: %v", err)
	}
}
