package actuator

import (
	"context"
	"log/slog"
	"time"

	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/schedule"
	"github.com/offgrid/solar-controller/internal/state"
)

// Status codes read by the poller.
const (
	defaultModeCode = "mode"
	tempCode        = "temp_current"
)

// DeviceSink receives every device after its status was refreshed.
type DeviceSink func(ctx context.Context, d *device.Device)

// StatusPoller runs the device-status poll loop: it fetches the bulk status
// of every gateway device, updates the registry, advances energy accounting
// and publishes pump mode and ambient temperature to shared state.
type StatusPoller struct {
	actuator Actuator
	registry *device.Registry
	store    *state.Store
	pacer    schedule.Pacer
	now      func() time.Time
	sinks    []DeviceSink
}

// NewStatusPoller creates a status poller.
func NewStatusPoller(act Actuator, registry *device.Registry, store *state.Store, pacer schedule.Pacer, sinks ...DeviceSink) *StatusPoller {
	return &StatusPoller{
		actuator: act,
		registry: registry,
		store:    store,
		pacer:    pacer,
		now:      time.Now,
		sinks:    sinks,
	}
}

// Run polls until ctx is cancelled.
func (p *StatusPoller) Run(ctx context.Context) error {
	slog.Info("Actuator.StatusPoller: started", "interval", p.pacer.Base, "gateways", len(p.registry.GatewayIDs()))
	for {
		p.PollOnce(ctx)
		if !p.pacer.Wait(ctx) {
			slog.Info("Actuator.StatusPoller: stopped")
			return nil
		}
	}
}

// PollOnce refreshes every device once. Devices missing from the answer are
// marked unhealthy but still ticked on their last known state.
func (p *StatusPoller) PollOnce(ctx context.Context) {
	ids := p.registry.GatewayIDs()
	if len(ids) == 0 {
		return
	}
	now := p.now()

	statuses, err := p.actuator.GetBulkStatus(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Actuator.StatusPoller: bulk status failed", "err", err)
	}

	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		for _, d := range p.Apply(ctx, st, now) {
			seen[d.ID] = true
		}
	}

	for _, d := range p.registry.All() {
		if seen[d.ID] || d.GatewayID == "" {
			continue
		}
		d.SetHealthy(false)
		d.Tick(now)
	}
}

// Apply merges one gateway status into every channel it covers and returns
// the devices it touched. Also used for statuses pushed over the stream.
func (p *StatusPoller) Apply(ctx context.Context, st DeviceStatus, now time.Time) []*device.Device {
	targets := p.registry.ByGateway(st.ID)
	if len(targets) == 0 {
		if d, ok := p.registry.Get(st.ID); ok {
			targets = []*device.Device{d}
		}
	}
	if len(targets) == 0 {
		slog.Debug("Actuator.StatusPoller: status for unknown device", "id", st.ID)
		return nil
	}

	values := ExtractStatus(st.Status)
	for _, d := range targets {
		d.ApplyStatus(values, now)
		d.SetHealthy(true)
		d.Tick(now)
		p.publishDerived(d)
		for _, sink := range p.sinks {
			sink(ctx, d)
		}
	}
	return targets
}

// HandlePush adapts Apply to the gateway stream callback.
func (p *StatusPoller) HandlePush(st DeviceStatus) {
	p.Apply(context.Background(), st, p.now())
}

// publishDerived copies the values other loops depend on into shared state.
func (p *StatusPoller) publishDerived(d *device.Device) {
	switch d.Type {
	case device.TypePump:
		code := defaultModeCode
		if d.Pump != nil && d.Pump.ModeCode != "" {
			code = d.Pump.ModeCode
		}
		if mode, ok := d.Status.Int(code); ok {
			p.store.Set(state.KeyPumpMode, mode)
		}
	case device.TypeThermometer:
		if raw, ok := d.Status.Float(tempCode); ok {
			p.store.Set(state.KeyAmbientTemp, raw/10)
		}
	}
}
