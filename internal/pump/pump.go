// Package pump decides the pond pump speed from battery voltage, inverter
// mode and ambient temperature.
package pump

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/state"
)

// Preset programs reported in the pump's mode code. Any preset other than
// Auto is a manual program and disables automatic control.
const (
	PresetStrict = 1
	PresetSummer = 4
	PresetWinter = 5
	PresetAuto   = 6
)

// IsManualPreset reports whether mode is one of the manual programs.
func IsManualPreset(mode int) bool {
	switch mode {
	case PresetStrict, PresetSummer, PresetWinter:
		return true
	}
	return false
}

// PresetName returns a readable name of a preset value.
func PresetName(mode int) string {
	switch mode {
	case PresetStrict:
		return "strict"
	case PresetSummer:
		return "summer"
	case PresetWinter:
		return "winter"
	case PresetAuto:
		return "auto"
	}
	return fmt.Sprintf("unknown(%d)", mode)
}

// TemperatureSource returns the outdoor temperature for a location.
type TemperatureSource interface {
	CurrentTemperature(ctx context.Context, location string) (float64, error)
}

// RoundToStep rounds speed to the nearest multiple of step, never below one step.
func RoundToStep(speed, step int) int {
	if step <= 0 {
		return speed
	}
	n := int(math.Round(float64(speed) / float64(step)))
	if n < 1 {
		n = 1
	}
	return n * step
}

// MinSpeed looks up the minimum speed for temp in a table sorted by Temp.
// At or below the first key the first speed applies, at or above the last
// key the last speed applies; in between the row with the greatest key
// strictly below temp wins.
func MinSpeed(table []device.SpeedPoint, temp float64) int {
	if len(table) == 0 {
		return 0
	}
	if temp <= table[0].Temp {
		return table[0].Speed
	}
	last := table[len(table)-1]
	if temp >= last.Temp {
		return last.Speed
	}
	speed := table[0].Speed
	for _, row := range table {
		if row.Temp >= temp {
			break
		}
		speed = row.Speed
	}
	return speed
}

// Decider holds the inputs shared by every pump decision.
type Decider struct {
	store   *state.Store
	weather TemperatureSource
}

// NewDecider creates a decider. weather may be nil.
func NewDecider(store *state.Store, weather TemperatureSource) *Decider {
	return &Decider{store: store, weather: weather}
}

// Temperature returns the ambient temperature: the local sensor in shared
// state first, then the forecast for the pump's location.
func (d *Decider) Temperature(ctx context.Context, p *device.Device) (float64, bool) {
	if d.store != nil {
		if t, ok := d.store.Float(state.KeyAmbientTemp); ok {
			return t, true
		}
	}
	if d.weather == nil || p.Pump == nil || p.Pump.Location == "" {
		return 0, false
	}
	t, err := d.weather.CurrentTemperature(ctx, p.Pump.Location)
	if err != nil {
		slog.Warn("Pump.Decider: forecast unavailable", "device", p.ID, "location", p.Pump.Location, "err", err)
		return 0, false
	}
	return t, true
}

// MinSpeedFor returns the temperature-safe minimum speed of p.
func (d *Decider) MinSpeedFor(ctx context.Context, p *device.Device) int {
	settings := p.Pump
	if settings == nil {
		return 0
	}
	if len(settings.SpeedTable) == 0 {
		return settings.DefaultMinSpeed
	}
	temp, ok := d.Temperature(ctx, p)
	if !ok {
		return settings.DefaultMinSpeed
	}
	return MinSpeed(settings.SpeedTable, temp)
}

// DecideSpeed returns the target speed for p and whether it differs from the
// current one. Above the voltage band the pump speeds up by one step, below
// it slows down to no less than the temperature minimum; inside the band
// nothing changes. On grid power the pump runs at the minimum.
func (d *Decider) DecideSpeed(ctx context.Context, p *device.Device, batteryVoltage float64, inverterOn bool) (int, bool) {
	settings := p.Pump
	if settings == nil || settings.Step <= 0 {
		return 0, false
	}
	raw, ok := p.Speed()
	if !ok {
		slog.Warn("Pump.Decider: current speed unknown, skipping", "device", p.ID)
		return 0, false
	}

	current := RoundToStep(raw, settings.Step)
	minSpeed := d.MinSpeedFor(ctx, p)
	maxSpeed := settings.MaxSpeed
	if maxSpeed <= 0 {
		maxSpeed = 100
	}

	if !inverterOn {
		if current != minSpeed {
			return minSpeed, true
		}
		return 0, false
	}

	switch {
	case batteryVoltage >= p.MinVolt && batteryVoltage <= p.MaxVolt:
		return 0, false
	case batteryVoltage > p.MaxVolt && current < maxSpeed:
		return min(current+settings.Step, maxSpeed), true
	case batteryVoltage < p.MinVolt && current > minSpeed:
		return max(current-settings.Step, minSpeed), true
	}
	return 0, false
}
