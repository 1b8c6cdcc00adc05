package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSwitch(id string) *Device {
	d := New(id, id, TypeSwitch)
	d.ControlKey = "switch_1"
	d.StateKey = "switch_1"
	d.MinVolt = 48
	d.MaxVolt = 54
	d.TimeDelay = 60 * time.Second
	d.LoadWatts = 100
	return d
}

func newPump(id string) *Device {
	d := New(id, id, TypePump)
	d.ControlKey = "P"
	d.StateKey = "Power"
	d.Pump = &PumpSettings{Step: 5, DefaultMinSpeed: 20, MaxSpeed: 100}
	return d
}

func TestIsOn(t *testing.T) {
	d := newSwitch("relay")
	assert.False(t, d.IsOn(), "no status yet")

	d.Status.Set("switch_1", true)
	assert.True(t, d.IsOn())

	d.Status.Set("switch_1", "ON")
	assert.True(t, d.IsOn())

	d.Status.Set("switch_1", 0)
	assert.False(t, d.IsOn())

	sensor := New("thermo", "thermo", TypeThermometer)
	assert.True(t, sensor.IsOn(), "device without state key is always on")
}

func TestCanSwitchDebounce(t *testing.T) {
	d := newSwitch("relay")
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)

	require.True(t, d.CanSwitch(t0))
	d.MarkSwitched(t0)

	assert.False(t, d.CanSwitch(t0.Add(30*time.Second)), "second attempt inside delay must be rejected")
	assert.True(t, d.CanSwitch(t0.Add(60*time.Second)))
}

func TestTickAccumulatesAndIsIdempotent(t *testing.T) {
	d := newSwitch("relay")
	d.Status.Set("switch_1", true)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)

	d.Tick(t0)
	run, wh, day := d.Energy()
	assert.Zero(t, run)
	assert.Zero(t, wh)
	assert.Equal(t, "2024-06-01", day)

	t1 := t0.Add(30 * time.Minute)
	d.Tick(t1)
	d.Tick(t1)
	run, wh, _ = d.Energy()
	assert.InDelta(t, 1800, run, 1e-9)
	assert.InDelta(t, 50, wh, 1e-9, "100 W for half an hour")
}

func TestTickSkipsWhileOff(t *testing.T) {
	d := newSwitch("relay")
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	d.Tick(t0)
	d.Tick(t0.Add(time.Hour))
	_, wh, _ := d.Energy()
	assert.Zero(t, wh)
}

func TestTickRollsOverAtMidnight(t *testing.T) {
	d := newSwitch("relay")
	d.Status.Set("switch_1", true)
	t0 := time.Date(2024, 6, 1, 23, 0, 0, 0, time.Local)
	d.Tick(t0)
	d.Tick(t0.Add(30 * time.Minute))
	_, wh, _ := d.Energy()
	require.InDelta(t, 50, wh, 1e-9)

	d.Tick(t0.Add(90 * time.Minute))
	run, wh, day := d.Energy()
	assert.Zero(t, run)
	assert.Zero(t, wh)
	assert.Equal(t, "2024-06-02", day)
}

func TestTickIgnoresClockGoingBackwards(t *testing.T) {
	d := newSwitch("relay")
	d.Status.Set("switch_1", true)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	d.Tick(t0)
	d.Tick(t0.Add(time.Hour))
	d.Tick(t0.Add(30 * time.Minute))
	d.Tick(t0.Add(time.Hour))
	_, wh, _ := d.Energy()
	assert.InDelta(t, 100, wh, 1e-9)
}

func TestPumpPowerInterpolation(t *testing.T) {
	p := newPump("pump")
	p.Status.Set("P", 45)
	assert.InDelta(t, 46.5, p.Power(), 1e-9, "halfway between 40 and 50")

	p.Status.Set("P", 150)
	assert.Equal(t, 200.0, p.Power(), "clamped to last row")

	p.Status.Set("P", -5)
	assert.Equal(t, 0.0, p.Power(), "clamped to first row")

	p.Status.Set("P", "garbage")
	assert.Equal(t, 0.0, p.Power(), "malformed speed is treated as absent")
}

func TestInterpolateCustomTable(t *testing.T) {
	table := []PowerPoint{{10, 100}, {20, 300}}
	assert.Equal(t, 100.0, Interpolate(table, 0))
	assert.Equal(t, 200.0, Interpolate(table, 15))
	assert.Equal(t, 300.0, Interpolate(table, 30))
	assert.Equal(t, 0.0, Interpolate(nil, 30))
}

func TestUptime(t *testing.T) {
	d := newSwitch("relay")
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)

	d.ApplyStatus(map[string]any{"switch_1": true}, t0)
	assert.Equal(t, 10*time.Minute, d.Uptime(t0.Add(10*time.Minute)))

	d.ApplyStatus(map[string]any{"switch_1": true}, t0.Add(5*time.Minute))
	assert.Equal(t, 10*time.Minute, d.Uptime(t0.Add(10*time.Minute)), "staying on keeps the start time")

	d.ApplyStatus(map[string]any{"switch_1": false}, t0.Add(11*time.Minute))
	assert.Zero(t, d.Uptime(t0.Add(12*time.Minute)))
}

func TestSnapshot(t *testing.T) {
	p := newPump("pump")
	p.ApplyStatus(map[string]any{"Power": true, "P": 40}, time.Now())
	s := p.Snapshot(time.Now())
	assert.True(t, s.On)
	require.NotNil(t, s.Speed)
	assert.Equal(t, 40, *s.Speed)
	assert.InDelta(t, 38, s.PowerWatts, 1e-9)
}
