// Package state holds the process-wide key-value store that decouples the
// telemetry and status pollers from the control loops.
package state

import (
	"maps"
	"sync"

	"github.com/offgrid/solar-controller/internal/utils"
)

// Well-known keys.
const (
	KeyBatteryVoltage     = "battery_voltage"
	KeyBatterySOC         = "battery_soc"
	KeyBatteryChargeAmps  = "battery_current_chg"
	KeyBatteryDischarge   = "battery_current_dis"
	KeyPV1Voltage         = "pv1_voltage"
	KeyPV1Power           = "pv1_power"
	KeyPV2Voltage         = "pv2_voltage"
	KeyPV2Power           = "pv2_power"
	KeyPVTotalPower       = "pv_total_power"
	KeyOutputVoltage      = "output_voltage"
	KeyOutputPower        = "output_power"
	KeyACInputVoltage     = "ac_input_voltage"
	KeyACInputFrequency   = "ac_input_frequency"
	KeyACOutputLoad       = "ac_output_load"
	KeyWorkingMode        = "working_mode"
	KeyMainsStatus        = "mains_status"
	KeyTelemetryTimestamp = "timestamp"
	KeyTelemetrySource    = "telemetry_source"
	KeyAmbientTemp        = "ambient_temp"
	KeyPumpMode           = "pump_mode"
)

// Store is a last-value-wins map safe for concurrent use. Each call is atomic
// on its own; nothing is atomic across calls.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Get returns the value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key. A nil value removes the key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}

// Update writes each entry of values. Readers may observe a partial batch.
func (s *Store) Update(values map[string]any) {
	for k, v := range values {
		s.Set(k, v)
	}
}

// Float returns key as a float64.
func (s *Store) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return utils.Float(v)
}

// Int returns key as an int.
func (s *Store) Int(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return utils.Int(v)
}

// String returns key as a string.
func (s *Store) String(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return utils.String(v)
}

// Snapshot returns a copy of every key.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}
