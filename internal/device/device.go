// Package device models the controllable and observable channels of the
// installation (relays, pumps, sensors) and the registry that owns them.
package device

import (
	"sync"
	"time"
)

// Type identifies how a device is driven.
type Type string

const (
	TypeSwitch      Type = "switch"
	TypePump        Type = "pump"
	TypeThermometer Type = "thermometer"
	TypeOther       Type = "other"
)

// ParseType maps a config string onto a Type. Unknown values are TypeOther.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeSwitch, TypePump, TypeThermometer:
		return Type(s)
	}
	return TypeOther
}

const dayLayout = "2006-01-02"

// SpeedPoint is one row of a pump's temperature to minimum speed table.
type SpeedPoint struct {
	Temp  float64 `json:"temp"`
	Speed int     `json:"speed"`
}

// PowerPoint is one row of a pump's speed to watts table.
type PowerPoint struct {
	Speed float64 `json:"speed"`
	Watts float64 `json:"watts"`
}

// DefaultPumpPowerTable is the measured draw of the pond pump by speed percent.
var DefaultPumpPowerTable = []PowerPoint{
	{0, 0}, {10, 8}, {20, 15}, {30, 25}, {40, 38}, {50, 55},
	{60, 75}, {70, 100}, {80, 130}, {90, 165}, {100, 200},
}

// PumpSettings is the pump-specific tuning resolved from config.
type PumpSettings struct {
	SpeedTable      []SpeedPoint // sorted ascending by Temp
	Step            int
	DefaultMinSpeed int
	MaxSpeed        int
	Location        string // weather lookup key
	PowerTable      []PowerPoint
	ModeCode        string // status code carrying the preset program
}

// SwitchSettings is the relay-specific tuning resolved from config.
type SwitchSettings struct {
	Channel string
	// MinThreshold forces the relay off below this voltage, ignoring debounce.
	MinThreshold *float64
}

// Device is one channel of the installation.
type Device struct {
	ID          string
	Name        string
	Description string
	Type        Type

	MinVolt float64
	MaxVolt float64

	ControlKey string
	StateKey   string
	TimeDelay  time.Duration
	LoadWatts  float64
	Priority   int
	GatewayID  string

	Switch *SwitchSettings
	Pump   *PumpSettings

	Status *Status

	mu              sync.Mutex
	lastSwitchedAt  time.Time
	healthy         bool
	startedAt       time.Time
	todayRunSeconds float64
	todayEnergyWh   float64
	todayDate       string
	lastTickAt      time.Time
}

// New creates a device with an empty status map.
func New(id, name string, typ Type) *Device {
	return &Device{
		ID:      id,
		Name:    name,
		Type:    typ,
		Status:  NewStatus(),
		healthy: true,
	}
}

// IsOn reports whether the device is running. A device without a state key
// always reports on.
func (d *Device) IsOn() bool {
	if d.StateKey == "" {
		return true
	}
	on, _ := d.Status.Bool(d.StateKey)
	return on
}

// CanSwitch reports whether the debounce delay has elapsed since the last switch.
func (d *Device) CanSwitch(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSwitchedAt.IsZero() {
		return true
	}
	return now.Sub(d.lastSwitchedAt) >= d.TimeDelay
}

// MarkSwitched records a confirmed actuation at now.
func (d *Device) MarkSwitched(now time.Time) {
	d.mu.Lock()
	d.lastSwitchedAt = now
	d.mu.Unlock()
}

// LastSwitchedAt returns the time of the last confirmed actuation.
func (d *Device) LastSwitchedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSwitchedAt
}

// Healthy reports whether the last status refresh for this device succeeded.
func (d *Device) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// SetHealthy records the outcome of a status refresh.
func (d *Device) SetHealthy(ok bool) {
	d.mu.Lock()
	d.healthy = ok
	d.mu.Unlock()
}

// ApplyStatus merges reported values into the status map and tracks the
// off to on transition used for uptime.
func (d *Device) ApplyStatus(values map[string]any, now time.Time) {
	d.Status.Merge(values)
	on := d.IsOn()

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case on && d.startedAt.IsZero():
		d.startedAt = now
	case !on:
		d.startedAt = time.Time{}
	}
}

// Uptime returns how long the device has been on, or zero when it is off.
func (d *Device) Uptime(now time.Time) time.Duration {
	d.mu.Lock()
	started := d.startedAt
	d.mu.Unlock()
	if started.IsZero() || !d.IsOn() || now.Before(started) {
		return 0
	}
	return now.Sub(started)
}

// Speed returns the current pump speed read from the control key.
func (d *Device) Speed() (int, bool) {
	key := d.ControlKey
	if key == "" {
		key = "P"
	}
	return d.Status.Int(key)
}

// Power returns the nominal draw in watts: interpolated from the speed table
// for pumps, the configured load for everything else.
func (d *Device) Power() float64 {
	if d.Type != TypePump {
		return d.LoadWatts
	}
	table := DefaultPumpPowerTable
	if d.Pump != nil && len(d.Pump.PowerTable) > 0 {
		table = d.Pump.PowerTable
	}
	speed, ok := d.Speed()
	if !ok {
		return 0
	}
	return Interpolate(table, float64(speed))
}

// Draw returns Power when the device is on and zero otherwise.
func (d *Device) Draw() float64 {
	if !d.IsOn() {
		return 0
	}
	return d.Power()
}

// Tick advances energy accounting to now. A new local day resets the daily
// counters; otherwise the on-time since the previous tick is accumulated.
// Calling Tick twice with the same now accumulates nothing the second time.
func (d *Device) Tick(now time.Time) {
	on := d.IsOn()
	power := d.Power()

	d.mu.Lock()
	defer d.mu.Unlock()

	day := now.Format(dayLayout)
	if day != d.todayDate {
		d.todayDate = day
		d.todayRunSeconds = 0
		d.todayEnergyWh = 0
		d.lastTickAt = now
		return
	}
	if !now.After(d.lastTickAt) {
		return
	}
	if on {
		elapsed := now.Sub(d.lastTickAt)
		d.todayRunSeconds += elapsed.Seconds()
		d.todayEnergyWh += power * elapsed.Hours()
	}
	d.lastTickAt = now
}

// Energy returns today's accumulated run time, energy and the day they belong to.
func (d *Device) Energy() (runSeconds, energyWh float64, day string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.todayRunSeconds, d.todayEnergyWh, d.todayDate
}

// Interpolate returns the watts for speed over a table sorted by speed.
// Values outside the table clamp to its first or last row.
func Interpolate(table []PowerPoint, speed float64) float64 {
	if len(table) == 0 {
		return 0
	}
	if speed <= table[0].Speed {
		return table[0].Watts
	}
	last := table[len(table)-1]
	if speed >= last.Speed {
		return last.Watts
	}
	for i := 0; i < len(table)-1; i++ {
		lo, hi := table[i], table[i+1]
		if speed >= lo.Speed && speed <= hi.Speed {
			if hi.Speed == lo.Speed {
				return lo.Watts
			}
			return lo.Watts + (speed-lo.Speed)*(hi.Watts-lo.Watts)/(hi.Speed-lo.Speed)
		}
	}
	return last.Watts
}

// Snapshot is a point-in-time view of a device for persistence and the API.
type Snapshot struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Type            Type           `json:"type"`
	GatewayID       string         `json:"gateway_id,omitempty"`
	On              bool           `json:"on"`
	Healthy         bool           `json:"healthy"`
	PowerWatts      float64        `json:"power_w"`
	Speed           *int           `json:"speed,omitempty"`
	UptimeSeconds   float64        `json:"uptime_s"`
	TodayRunSeconds float64        `json:"today_run_s"`
	TodayEnergyWh   float64        `json:"today_energy_wh"`
	TodayDate       string         `json:"today_date,omitempty"`
	LastSwitchedAt  *time.Time     `json:"last_switched_at,omitempty"`
	Status          map[string]any `json:"status"`
}

// Snapshot captures the device state at now.
func (d *Device) Snapshot(now time.Time) Snapshot {
	run, wh, day := d.Energy()
	s := Snapshot{
		ID:              d.ID,
		Name:            d.Name,
		Description:     d.Description,
		Type:            d.Type,
		GatewayID:       d.GatewayID,
		On:              d.IsOn(),
		Healthy:         d.Healthy(),
		PowerWatts:      d.Draw(),
		UptimeSeconds:   d.Uptime(now).Seconds(),
		TodayRunSeconds: run,
		TodayEnergyWh:   wh,
		TodayDate:       day,
		Status:          d.Status.Map(),
	}
	if d.Type == TypePump {
		if speed, ok := d.Speed(); ok {
			s.Speed = &speed
		}
	}
	if t := d.LastSwitchedAt(); !t.IsZero() {
		s.LastSwitchedAt = &t
	}
	return s
}
