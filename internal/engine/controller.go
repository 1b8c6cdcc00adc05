package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/offgrid/solar-controller/internal/actuator"
	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/pump"
	"github.com/offgrid/solar-controller/internal/schedule"
	"github.com/offgrid/solar-controller/internal/state"
	"github.com/offgrid/solar-controller/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Actuation actions recorded in events.
const (
	ActionOn    = "on"
	ActionOff   = "off"
	ActionSpeed = "speed"
)

// DefaultAlertThreshold is the number of consecutive failed commands after
// which a device raises an alert.
const DefaultAlertThreshold = 3

// ControllerConfig holds the control loop settings
type ControllerConfig struct {
	SwitchInterval time.Duration
	PumpInterval   time.Duration
	Night          schedule.Night
	AlertThreshold int
}

// DefaultControllerConfig returns the default loop settings
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		SwitchInterval: 30 * time.Second,
		PumpInterval:   60 * time.Second,
		Night:          schedule.DefaultNight(),
		AlertThreshold: DefaultAlertThreshold,
	}
}

// Event describes one actuation attempt.
type Event struct {
	DeviceID string
	Action   string
	Value    float64
	Success  bool
	Reason   string
	Time     time.Time
	// Alert is set on the attempt that reaches the failure threshold.
	Alert bool
}

// EventSink receives every actuation attempt.
type EventSink func(ctx context.Context, ev Event)

// Controller runs the switch loop and the pump loop.
type Controller struct {
	config   ControllerConfig
	registry *device.Registry
	store    *state.Store
	actuator actuator.Actuator
	decider  *pump.Decider
	sinks    []EventSink
	now      func() time.Time

	mu          sync.Mutex
	failures    map[string]int
	lastPreset  map[string]int
	presetKnown map[string]bool
}

// NewController creates a controller
func NewController(config ControllerConfig, registry *device.Registry, store *state.Store, act actuator.Actuator, decider *pump.Decider, sinks ...EventSink) *Controller {
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = DefaultAlertThreshold
	}
	return &Controller{
		config:      config,
		registry:    registry,
		store:       store,
		actuator:    act,
		decider:     decider,
		sinks:       sinks,
		now:         time.Now,
		failures:    make(map[string]int),
		lastPreset:  make(map[string]int),
		presetKnown: make(map[string]bool),
	}
}

// Run runs both loops until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.RunSwitchLoop(ctx) })
	g.Go(func() error { return c.RunPumpLoop(ctx) })
	return g.Wait()
}

// RunSwitchLoop runs SwitchCycle every switch interval until ctx is cancelled.
func (c *Controller) RunSwitchLoop(ctx context.Context) error {
	return c.loop(ctx, "switch", c.config.SwitchInterval, c.SwitchCycle)
}

// RunPumpLoop runs PumpCycle every pump interval until ctx is cancelled.
func (c *Controller) RunPumpLoop(ctx context.Context) error {
	return c.loop(ctx, "pump", c.config.PumpInterval, c.PumpCycle)
}

func (c *Controller) loop(ctx context.Context, name string, base time.Duration, cycle func(context.Context, time.Time)) error {
	pacer := schedule.Pacer{Base: base, Night: c.config.Night, Now: c.now}
	slog.Info("Engine.Controller: loop started", "loop", name, "interval", base)
	for {
		if ctx.Err() != nil {
			break
		}
		c.runCycle(ctx, name, cycle)
		if !pacer.Wait(ctx) {
			break
		}
	}
	slog.Info("Engine.Controller: loop stopped", "loop", name)
	return nil
}

// runCycle isolates one iteration so a panic in it cannot end the loop.
func (c *Controller) runCycle(ctx context.Context, name string, cycle func(context.Context, time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.Controller: cycle panicked", "loop", name, "panic", r)
		}
	}()
	cycle(ctx, c.now())
}

// manualPreset reports whether the pump runs one of its own programs. The
// preset is logged once per change and per loop.
func (c *Controller) manualPreset(loop string) bool {
	mode, ok := c.store.Int(state.KeyPumpMode)
	if !ok {
		mode = pump.PresetAuto
	}
	manual := pump.IsManualPreset(mode)

	c.mu.Lock()
	changed := !c.presetKnown[loop] || c.lastPreset[loop] != mode
	c.lastPreset[loop] = mode
	c.presetKnown[loop] = true
	c.mu.Unlock()

	if changed {
		if manual {
			slog.Info("Engine.Controller: manual pump preset, automation paused", "loop", loop, "preset", pump.PresetName(mode))
		} else {
			slog.Info("Engine.Controller: pump preset", "loop", loop, "preset", pump.PresetName(mode))
		}
	}
	return manual
}

// =============================================================================
// Switch loop
// =============================================================================

// SwitchCycle runs one iteration of the switch loop. While the inverter is on
// grid every switch is turned off; otherwise switches follow the battery
// voltage with hysteresis between MinVolt and MaxVolt.
func (c *Controller) SwitchCycle(ctx context.Context, now time.Time) {
	if c.manualPreset("switch") {
		return
	}

	mode, _ := c.store.String(state.KeyWorkingMode)
	grid := telemetry.IsGridMode(mode)
	voltage, haveVoltage := c.store.Float(state.KeyBatteryVoltage)
	if !grid && !haveVoltage {
		slog.Debug("Engine.Controller: no battery voltage yet, switch cycle skipped")
		return
	}

	for _, d := range c.registry.ByPriority() {
		if d.Type != device.TypeSwitch {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.decideSwitch(ctx, d, grid, voltage, now)
	}
}

func (c *Controller) decideSwitch(ctx context.Context, d *device.Device, grid bool, voltage float64, now time.Time) {
	on := d.IsOn()
	force := false
	var want bool
	var reason string

	switch {
	case grid:
		if !on {
			return
		}
		reason = "inverter on grid"
	case d.Switch != nil && d.Switch.MinThreshold != nil && voltage <= *d.Switch.MinThreshold:
		if !on {
			return
		}
		reason = "below hard cut-off"
		force = true
	case voltage >= d.MaxVolt && !on:
		want = true
		reason = "battery at or above max"
	case voltage <= d.MinVolt && on:
		reason = "battery at or below min"
	default:
		return
	}

	if !force && !d.CanSwitch(now) {
		slog.Debug("Engine.Controller: switch held by debounce", "device", d.ID, "want_on", want)
		return
	}

	action := ActionOff
	value := 0.0
	if want {
		action = ActionOn
		value = 1
	}

	ok := c.actuator.SwitchBinary(ctx, d, want)
	if ok {
		d.Tick(now)
		if d.StateKey != "" {
			d.ApplyStatus(map[string]any{d.StateKey: want}, now)
		}
		d.MarkSwitched(now)
		slog.Info("Engine.Controller: switched", "device", d.ID, "name", d.Name, "on", want, "voltage", voltage, "reason", reason)
	}
	c.record(ctx, d, action, value, ok, reason, now)
}

// =============================================================================
// Pump loop
// =============================================================================

// PumpCycle runs one iteration of the pump loop.
func (c *Controller) PumpCycle(ctx context.Context, now time.Time) {
	if c.manualPreset("pump") {
		return
	}

	voltage, ok := c.store.Float(state.KeyBatteryVoltage)
	if !ok {
		slog.Debug("Engine.Controller: no battery voltage yet, pump cycle skipped")
		return
	}
	mode, _ := c.store.String(state.KeyWorkingMode)
	inverterOn := !telemetry.IsGridMode(mode)

	for _, p := range c.registry.ByType(device.TypePump) {
		if ctx.Err() != nil {
			return
		}
		c.decidePump(ctx, p, voltage, inverterOn, now)
	}
}

func (c *Controller) decidePump(ctx context.Context, p *device.Device, voltage float64, inverterOn bool, now time.Time) {
	target, change := c.decider.DecideSpeed(ctx, p, voltage, inverterOn)
	if !change {
		return
	}
	current, _ := p.Speed()
	if target == current {
		return
	}
	if !p.CanSwitch(now) {
		slog.Debug("Engine.Controller: pump held by debounce", "device", p.ID, "target", target)
		return
	}

	ok := c.actuator.SetNumeric(ctx, p, target)
	if ok {
		p.Tick(now)
		key := p.ControlKey
		if key == "" {
			key = "P"
		}
		p.ApplyStatus(map[string]any{key: target}, now)
		p.MarkSwitched(now)
		slog.Info("Engine.Controller: pump speed changed", "device", p.ID, "from", current, "to", target,
			"voltage", voltage, "inverter_on", inverterOn)
	}
	reason := "battery voltage"
	if !inverterOn {
		reason = "inverter on grid"
	}
	c.record(ctx, p, ActionSpeed, float64(target), ok, reason, now)
}

// record counts consecutive failures per device and hands the event to the sinks.
func (c *Controller) record(ctx context.Context, d *device.Device, action string, value float64, ok bool, reason string, now time.Time) {
	ev := Event{DeviceID: d.ID, Action: action, Value: value, Success: ok, Reason: reason, Time: now}

	c.mu.Lock()
	if ok {
		c.failures[d.ID] = 0
	} else {
		c.failures[d.ID]++
		ev.Alert = c.failures[d.ID] == c.config.AlertThreshold
	}
	failures := c.failures[d.ID]
	c.mu.Unlock()

	if !ok {
		slog.Warn("Engine.Controller: actuation failed, state unchanged", "device", d.ID, "action", action, "value", value, "failures", failures)
	}
	if ev.Alert {
		slog.Error("Engine.Controller: device keeps rejecting commands", "device", d.ID, "name", d.Name, "failures", failures)
	}

	for _, sink := range c.sinks {
		sink(ctx, ev)
	}
}

// Failures returns the current consecutive failure count of a device.
func (c *Controller) Failures(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[id]
}
