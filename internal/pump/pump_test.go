package pump

import (
	"context"
	"errors"
	"testing"

	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pondTable = []device.SpeedPoint{{Temp: -4, Speed: 0}, {Temp: 10, Speed: 20}, {Temp: 25, Speed: 40}}

type fixedWeather struct {
	temp  float64
	err   error
	calls int
}

func (f *fixedWeather) CurrentTemperature(ctx context.Context, location string) (float64, error) {
	f.calls++
	return f.temp, f.err
}

func newPump(speed any) *device.Device {
	p := device.New("pump", "Pond pump", device.TypePump)
	p.ControlKey = "P"
	p.StateKey = "Power"
	p.MinVolt = 48
	p.MaxVolt = 54
	p.Pump = &device.PumpSettings{
		SpeedTable:      pondTable,
		Step:            5,
		DefaultMinSpeed: 20,
		MaxSpeed:        100,
		Location:        "Tbilisi",
	}
	if speed != nil {
		p.Status.Set("P", speed)
	}
	p.Status.Set("Power", true)
	return p
}

func TestRoundToStep(t *testing.T) {
	assert.Equal(t, 20, RoundToStep(18, 5))
	assert.Equal(t, 20, RoundToStep(22, 5))
	assert.Equal(t, 5, RoundToStep(0, 5), "never below one step")
	assert.Equal(t, 5, RoundToStep(2, 5))
	for c := 0; c <= 100; c++ {
		for _, s := range []int{1, 3, 5, 10} {
			got := RoundToStep(c, s)
			assert.Zero(t, got%s, "RoundToStep(%d,%d)", c, s)
			assert.GreaterOrEqual(t, got, s, "RoundToStep(%d,%d)", c, s)
		}
	}
}

func TestMinSpeedTable(t *testing.T) {
	assert.Equal(t, 0, MinSpeed(pondTable, -10), "below range clamps to first row")
	assert.Equal(t, 0, MinSpeed(pondTable, -4))
	assert.Equal(t, 0, MinSpeed(pondTable, 10), "exact interior key uses the row strictly below")
	assert.Equal(t, 20, MinSpeed(pondTable, 15))
	assert.Equal(t, 40, MinSpeed(pondTable, 25))
	assert.Equal(t, 40, MinSpeed(pondTable, 35), "above range clamps to last row")
	assert.Equal(t, 0, MinSpeed(nil, 15))
}

func TestMinSpeedIsMonotonic(t *testing.T) {
	prev := MinSpeed(pondTable, -20)
	for temp := -20.0; temp <= 40; temp += 0.25 {
		got := MinSpeed(pondTable, temp)
		assert.GreaterOrEqual(t, got, prev, "temp %.2f", temp)
		prev = got
	}
}

func TestDecideSpeedSpeedsUpOnExcessVoltage(t *testing.T) {
	store := state.New()
	store.Set(state.KeyAmbientTemp, 15.0)
	d := NewDecider(store, nil)

	target, change := d.DecideSpeed(context.Background(), newPump(18), 56, true)
	require.True(t, change)
	assert.Equal(t, 25, target)
}

func TestDecideSpeedGreenZone(t *testing.T) {
	store := state.New()
	store.Set(state.KeyAmbientTemp, 15.0)
	d := NewDecider(store, nil)
	for _, v := range []float64{48, 50, 54} {
		_, change := d.DecideSpeed(context.Background(), newPump(30), v, true)
		assert.False(t, change, "voltage %.0f", v)
	}
}

func TestDecideSpeedSlowsDownToMinimum(t *testing.T) {
	store := state.New()
	store.Set(state.KeyAmbientTemp, 15.0)
	d := NewDecider(store, nil)

	target, change := d.DecideSpeed(context.Background(), newPump(30), 46, true)
	require.True(t, change)
	assert.Equal(t, 25, target)

	target, change = d.DecideSpeed(context.Background(), newPump(21), 46, true)
	assert.False(t, change, "already at the minimum after normalizing, got %d", target)

	store.Set(state.KeyAmbientTemp, 30.0)
	target, change = d.DecideSpeed(context.Background(), newPump(45), 46, true)
	require.True(t, change)
	assert.Equal(t, 40, target, "clamped to the temperature minimum")
}

func TestDecideSpeedClampsToMax(t *testing.T) {
	d := NewDecider(state.New(), nil)
	p := newPump(90)
	p.Pump.MaxSpeed = 92
	target, change := d.DecideSpeed(context.Background(), p, 57, true)
	require.True(t, change)
	assert.Equal(t, 92, target)

	_, change = d.DecideSpeed(context.Background(), newPump(100), 57, true)
	assert.False(t, change)
}

func TestDecideSpeedOnGridForcesMinimum(t *testing.T) {
	store := state.New()
	store.Set(state.KeyAmbientTemp, 15.0)
	d := NewDecider(store, nil)

	target, change := d.DecideSpeed(context.Background(), newPump(60), 56, false)
	require.True(t, change)
	assert.Equal(t, 20, target)

	_, change = d.DecideSpeed(context.Background(), newPump(20), 40, false)
	assert.False(t, change)
}

func TestTemperaturePriority(t *testing.T) {
	store := state.New()
	w := &fixedWeather{temp: 30}
	d := NewDecider(store, w)
	p := newPump(20)

	assert.Equal(t, 40, d.MinSpeedFor(context.Background(), p), "forecast used without a local sensor")
	assert.Equal(t, 1, w.calls)

	store.Set(state.KeyAmbientTemp, 15.0)
	assert.Equal(t, 20, d.MinSpeedFor(context.Background(), p), "local sensor wins")
	assert.Equal(t, 1, w.calls)

	store.Set(state.KeyAmbientTemp, nil)
	w.err = errors.New("offline")
	p.Pump.DefaultMinSpeed = 15
	assert.Equal(t, 15, d.MinSpeedFor(context.Background(), p), "configured default as last resort")
}

func TestDecideSpeedUnknownSpeed(t *testing.T) {
	d := NewDecider(state.New(), nil)
	_, change := d.DecideSpeed(context.Background(), newPump(nil), 57, true)
	assert.False(t, change)

	_, change = d.DecideSpeed(context.Background(), newPump("broken"), 57, true)
	assert.False(t, change)
}

func TestIsManualPreset(t *testing.T) {
	assert.True(t, IsManualPreset(PresetStrict))
	assert.True(t, IsManualPreset(PresetSummer))
	assert.True(t, IsManualPreset(PresetWinter))
	assert.False(t, IsManualPreset(PresetAuto))
	assert.False(t, IsManualPreset(0))
}
