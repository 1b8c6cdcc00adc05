// Package engine runs the solar controller: the telemetry and device-status
// poll loops, the switch and pump control loops, persistence, publishing
// and the status API.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/offgrid/solar-controller/internal/actuator"
	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/httpapi"
	"github.com/offgrid/solar-controller/internal/metrics"
	"github.com/offgrid/solar-controller/internal/publisher"
	"github.com/offgrid/solar-controller/internal/pump"
	"github.com/offgrid/solar-controller/internal/schedule"
	"github.com/offgrid/solar-controller/internal/state"
	"github.com/offgrid/solar-controller/internal/storage"
	"github.com/offgrid/solar-controller/internal/telemetry"
	"github.com/offgrid/solar-controller/internal/weather"
)

const syncBatch = 50

// Config holds engine configuration
type Config struct {
	DatabasePath     string
	SessionCachePath string

	Telemetry         telemetry.Config
	TelemetryInterval time.Duration

	Gateway        actuator.Config
	StatusInterval time.Duration

	Weather    weather.Config
	WeatherTTL time.Duration

	Controller ControllerConfig

	Publishers   []*publisher.Config
	SyncInterval time.Duration

	RetentionDays      int
	EnergySnapshotCron string
	PruneCron          string

	HTTPAddr string // empty disables the status API
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath:       "/var/lib/solar-controller/history.db",
		SessionCachePath:   "/var/lib/solar-controller/session.json",
		Telemetry:          telemetry.DefaultConfig(),
		TelemetryInterval:  30 * time.Second,
		Gateway:            actuator.DefaultConfig(),
		StatusInterval:     30 * time.Second,
		Weather:            weather.DefaultConfig(),
		WeatherTTL:         30 * time.Minute,
		Controller:         DefaultControllerConfig(),
		SyncInterval:       30 * time.Second,
		RetentionDays:      30,
		EnergySnapshotCron: "*/10 * * * *",
		PruneCron:          "0 3 * * *",
		HTTPAddr:           ":8080",
	}
}

// Engine owns every long-running part of the controller.
type Engine struct {
	config   Config
	db       *storage.DB
	registry *device.Registry
	store    *state.Store
	metrics  *metrics.Metrics

	telemetry    *telemetry.Client
	poller       *telemetry.Poller
	gateway      *actuator.Gateway
	statusPoller *actuator.StatusPoller
	controller   *Controller
	api          *httpapi.Server
	cron         *cron.Cron

	publishers *publisher.Set
	now        func() time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.Mutex
}

// New creates a new engine instance
func New(config Config, registry *device.Registry) (*Engine, error) {
	db, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	e := &Engine{
		config:   config,
		db:       db,
		registry: registry,
		store:    state.New(),
		metrics:  metrics.New(),
		now:      time.Now,
	}

	e.telemetry = telemetry.NewClient(config.Telemetry, telemetry.NewFileSessionStore(config.SessionCachePath))
	e.poller = telemetry.NewPoller(e.telemetry, e.store,
		schedule.Pacer{Base: config.TelemetryInterval, Night: config.Controller.Night},
		e.storeReading)
	e.poller.OnFailure(func(err error) { e.metrics.TelemetryFetch("none", false) })

	e.gateway = actuator.NewGateway(config.Gateway)
	e.statusPoller = actuator.NewStatusPoller(e.gateway, registry, e.store,
		schedule.Pacer{Base: config.StatusInterval, Night: config.Controller.Night},
		e.observeDevice)

	temps := weather.NewCache(weather.NewClient(config.Weather), config.WeatherTTL)
	e.controller = NewController(config.Controller, registry, e.store, e.gateway,
		pump.NewDecider(e.store, temps), e.recordEvent)

	e.api = &httpapi.Server{Registry: registry, State: e.store, History: db, Metrics: e.metrics}

	e.cron = cron.New()
	if config.EnergySnapshotCron != "" {
		if _, err := e.cron.AddFunc(config.EnergySnapshotCron, e.SnapshotEnergy); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid energy snapshot schedule %q: %w", config.EnergySnapshotCron, err)
		}
	}
	if config.PruneCron != "" && config.RetentionDays > 0 {
		if _, err := e.cron.AddFunc(config.PruneCron, func() { e.PruneHistory(e.now()) }); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid prune schedule %q: %w", config.PruneCron, err)
		}
	}

	return e, nil
}

// Start starts the engine
func (e *Engine) Start(ctx context.Context) error {
	publishers, err := publisher.Init(ctx, e.config.Publishers)
	if err != nil {
		return fmt.Errorf("failed to start publishers: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	e.mu.Lock()
	e.publishers = publishers
	e.cancel = cancel
	e.group = g
	e.mu.Unlock()

	if e.config.Gateway.WebSocketURL != "" {
		e.gateway.SetStatusCallback(e.statusPoller.HandlePush)
		if err := e.gateway.StartStream(gctx); err != nil {
			slog.Warn("Engine: status stream unavailable, relying on polling", "err", err)
		}
	}

	g.Go(func() error { return e.poller.Run(gctx) })
	g.Go(func() error { return e.statusPoller.Run(gctx) })
	g.Go(func() error { return e.controller.Run(gctx) })
	g.Go(func() error {
		e.publishSyncLoop(gctx)
		return nil
	})
	if e.config.HTTPAddr != "" {
		g.Go(func() error { return e.api.ListenAndServe(gctx, e.config.HTTPAddr) })
	}
	e.cron.Start()

	slog.Info("Engine: started", "devices", e.registry.Len(), "publishers", publishers.Len())
	return nil
}

// Wait blocks until every loop has returned.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop stops the engine
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-e.cron.Stop().Done()
	e.gateway.StopStream()

	err := e.Wait()
	if err != nil {
		slog.Error("Engine: loop failed", "err", err)
	}

	e.SnapshotEnergy()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	e.publishers.Stop(stopCtx)

	if cerr := e.db.Close(); cerr != nil {
		slog.Error("Engine: closing database failed", "err", cerr)
	}

	slog.Info("Engine: stopped")
	return err
}

// Registry returns the device registry.
func (e *Engine) Registry() *device.Registry { return e.registry }

// State returns the shared state store.
func (e *Engine) State() *state.Store { return e.store }

// Metrics returns the collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// storeReading persists a reading. It is published by the sync loop; when
// the insert fails it is published right away instead.
func (e *Engine) storeReading(ctx context.Context, r *telemetry.Reading) {
	e.metrics.TelemetryFetch(r.Source, true)
	e.metrics.ObserveInverter(r.BatteryVoltage, r.PVTotalPower)

	raw, err := json.Marshal(r)
	if err != nil {
		slog.Warn("Engine: marshal reading failed", "err", err)
	}
	row := &storage.Reading{
		Source:          r.Source,
		WorkingState:    r.WorkingState,
		BatteryVoltage:  r.BatteryVoltage,
		BatteryCapacity: r.BatteryCapacity,
		PVTotalPower:    r.PVTotalPower,
		OutputPower:     r.OutputPower,
		ACOutputLoad:    r.ACOutputLoad,
		RawJSON:         string(raw),
		Timestamp:       r.FetchedAt,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = e.now()
	}
	if _, err := e.db.InsertReading(row); err != nil {
		slog.Error("Engine: failed to store reading", "err", err)
		e.publish(ctx, publisher.NewMessage(publisher.KindReading, "inverter", row.Timestamp, r.StateValues()))
	}
}

// observeDevice exports a refreshed device to metrics, storage and the buses.
func (e *Engine) observeDevice(ctx context.Context, d *device.Device) {
	_, wh, _ := d.Energy()
	e.metrics.ObserveDevice(d.ID, d.IsOn(), wh)
	if d.Type == device.TypePump {
		if speed, ok := d.Speed(); ok {
			e.metrics.PumpSpeed(d.ID, speed)
		}
	}

	status := d.Status.Map()
	raw, err := json.Marshal(status)
	if err != nil {
		slog.Warn("Engine: marshal device status failed", "device", d.ID, "err", err)
	}
	if err := e.db.UpsertDevice(&storage.Device{
		ID:         d.ID,
		Name:       d.Name,
		Type:       string(d.Type),
		GatewayID:  d.GatewayID,
		IsOn:       d.IsOn(),
		StatusJSON: string(raw),
	}); err != nil {
		slog.Error("Engine: failed to store device", "device", d.ID, "err", err)
	}

	snap := d.Snapshot(e.now())
	e.publish(ctx, publisher.NewMessage(publisher.KindDevice, d.ID, e.now(), map[string]any{
		"name":            snap.Name,
		"type":            string(snap.Type),
		"on":              snap.On,
		"healthy":         snap.Healthy,
		"power_w":         snap.PowerWatts,
		"uptime_s":        snap.UptimeSeconds,
		"today_energy_wh": snap.TodayEnergyWh,
		"status":          status,
	}))
}

// recordEvent stores an actuation attempt for the sync loop.
func (e *Engine) recordEvent(ctx context.Context, ev Event) {
	e.metrics.Actuation(ev.DeviceID, ev.Action, ev.Success)
	if ev.Alert {
		e.metrics.ActuationAlert(ev.DeviceID)
	}
	if ev.Success && ev.Action == ActionSpeed {
		e.metrics.PumpSpeed(ev.DeviceID, int(ev.Value))
	}

	row := &storage.ActuationEvent{
		ID:        uuid.New().String(),
		DeviceID:  ev.DeviceID,
		Action:    ev.Action,
		Value:     ev.Value,
		Success:   ev.Success,
		Reason:    ev.Reason,
		Timestamp: ev.Time,
	}
	if err := e.db.InsertActuationEvent(row); err != nil {
		slog.Error("Engine: failed to store actuation event", "device", ev.DeviceID, "err", err)
		e.publish(ctx, eventMessage(row))
	}
}

func (e *Engine) publish(ctx context.Context, msg publisher.Message) {
	e.mu.Lock()
	set := e.publishers
	e.mu.Unlock()
	// failures are already logged by the set
	_ = set.Publish(ctx, msg)
}

// publishSyncLoop periodically sends stored rows that no bus has seen yet
func (e *Engine) publishSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SyncPublished(ctx)
		}
	}
}

// SyncPublished publishes unpublished readings and events and marks them.
// Rows stay unpublished while no publisher is configured or a publish fails.
func (e *Engine) SyncPublished(ctx context.Context) {
	e.mu.Lock()
	set := e.publishers
	e.mu.Unlock()
	if set.Len() == 0 {
		return
	}

	readings, err := e.db.GetUnpublishedReadings(syncBatch)
	if err != nil {
		slog.Error("Engine: failed to get unpublished readings", "err", err)
	}
	for _, r := range readings {
		if err := set.Publish(ctx, readingMessage(r)); err != nil {
			continue
		}
		if err := e.db.MarkReadingPublished(r.ID); err != nil {
			slog.Error("Engine: failed to mark reading published", "id", r.ID, "err", err)
		}
	}

	events, err := e.db.GetUnpublishedEvents(syncBatch)
	if err != nil {
		slog.Error("Engine: failed to get unpublished events", "err", err)
	}
	for _, ev := range events {
		if err := set.Publish(ctx, eventMessage(ev)); err != nil {
			continue
		}
		if err := e.db.MarkEventPublished(ev.ID); err != nil {
			slog.Error("Engine: failed to mark event published", "id", ev.ID, "err", err)
		}
	}
}

func readingMessage(r *storage.Reading) publisher.Message {
	payload := map[string]any{}
	if r.RawJSON != "" {
		if err := json.Unmarshal([]byte(r.RawJSON), &payload); err != nil {
			slog.Warn("Engine: stored reading has invalid json", "id", r.ID, "err", err)
		}
	}
	payload["source"] = r.Source
	payload["reading_id"] = r.ID
	return publisher.NewMessage(publisher.KindReading, "inverter", r.Timestamp, payload)
}

func eventMessage(ev *storage.ActuationEvent) publisher.Message {
	msg := publisher.NewMessage(publisher.KindEvent, ev.DeviceID, ev.Timestamp, map[string]any{
		"action":  ev.Action,
		"value":   ev.Value,
		"success": ev.Success,
		"reason":  ev.Reason,
	})
	// the event id keeps redeliveries recognisable
	msg.ID = ev.ID
	return msg
}

// SnapshotEnergy writes the current per-device day totals to the daily
// table. Totals are reset by the status loop when the day changes, so the
// schedule bounds how much of a day's tail can be lost.
func (e *Engine) SnapshotEnergy() {
	saved := 0
	for _, d := range e.registry.All() {
		run, wh, day := d.Energy()
		if day == "" {
			continue
		}
		if err := e.db.UpsertDailyEnergy(&storage.DailyEnergy{DeviceID: d.ID, Day: day, RunSeconds: run, EnergyWh: wh}); err != nil {
			slog.Error("Engine: failed to store daily energy", "device", d.ID, "err", err)
			continue
		}
		saved++
	}
	slog.Debug("Engine: energy snapshot written", "devices", saved)
}

// PruneHistory removes readings older than the retention window.
func (e *Engine) PruneHistory(now time.Time) {
	before := now.AddDate(0, 0, -e.config.RetentionDays)
	n, err := e.db.PruneReadings(before)
	if err != nil {
		slog.Error("Engine: prune failed", "err", err)
		return
	}
	slog.Info("Engine: pruned readings", "removed", n, "before", before.Format(time.RFC3339))
}
