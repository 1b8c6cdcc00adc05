// Package storage provides SQLite persistence for the solar controller.
package storage

import "time"

// Reading is one inverter telemetry snapshot
type Reading struct {
	ID              int64     `json:"id"`
	Source          string    `json:"source"` // primary or fallback
	WorkingState    string    `json:"working_state,omitempty"`
	BatteryVoltage  *float64  `json:"battery_voltage,omitempty"`
	BatteryCapacity *float64  `json:"battery_capacity,omitempty"`
	PVTotalPower    *float64  `json:"pv_total_power,omitempty"`
	OutputPower     *float64  `json:"output_power,omitempty"`
	ACOutputLoad    *float64  `json:"ac_output_load,omitempty"`
	RawJSON         string    `json:"raw_json,omitempty"` // full state values
	Timestamp       time.Time `json:"timestamp"`
	Published       bool      `json:"published"`
}

// ActuationEvent records one command sent to the device gateway
type ActuationEvent struct {
	ID        string    `json:"id"` // UUID
	DeviceID  string    `json:"device_id"`
	Action    string    `json:"action"` // on, off, speed
	Value     float64   `json:"value"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Published bool      `json:"published"`
}

// DailyEnergy is the per-device run time and energy of one local day
type DailyEnergy struct {
	DeviceID   string    `json:"device_id"`
	Day        string    `json:"day"` // YYYY-MM-DD
	RunSeconds float64   `json:"run_seconds"`
	EnergyWh   float64   `json:"energy_wh"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Device is the last persisted snapshot of a device
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	GatewayID  string    `json:"gateway_id,omitempty"`
	IsOn       bool      `json:"is_on"`
	StatusJSON string    `json:"status_json,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
