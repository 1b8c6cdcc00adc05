// Package config loads the controller's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/offgrid/solar-controller/internal/actuator"
	"github.com/offgrid/solar-controller/internal/device"
	"github.com/offgrid/solar-controller/internal/publisher"
	"github.com/offgrid/solar-controller/internal/schedule"
	"github.com/offgrid/solar-controller/internal/telemetry"
	"github.com/offgrid/solar-controller/internal/weather"
)

// TypeMultiSwitch is a relay hub expanded into one switch per channel.
const TypeMultiSwitch = "multi_switch"

const (
	defaultTimeDelay = 120
	defaultPriority  = 1
	defaultPumpKey   = "P"
	defaultPumpState = "Power"
	defaultRelayKey  = "switch_1"
)

// Config represents the configuration file structure
type Config struct {
	Site struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"site"`

	Telemetry  TelemetryConfig     `yaml:"telemetry"`
	Actuator   ActuatorConfig      `yaml:"actuator"`
	Weather    WeatherConfig       `yaml:"weather"`
	Controller ControllerConfig    `yaml:"controller"`
	Database   DatabaseConfig      `yaml:"database"`
	HTTP       HTTPConfig          `yaml:"http"`
	Publishers []*publisher.Config `yaml:"publishers"`
	Logging    LoggingConfig       `yaml:"logging"`
	Devices    []DeviceConfig      `yaml:"devices"`
}

// TelemetryConfig is the monitoring account and inverter identity.
// Durations are in seconds.
type TelemetryConfig struct {
	BaseURL           string `yaml:"base_url"`
	FallbackURL       string `yaml:"fallback_url"`
	StaticFallbackURL string `yaml:"web_fallback_url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	CompanyKey        string `yaml:"company_key"`
	PN                string `yaml:"pn"`
	DevCode           string `yaml:"devcode"`
	DevAddr           string `yaml:"devaddr"`
	SN                string `yaml:"sn"`
	PollInterval      int    `yaml:"poll_interval"`
	HTTPTimeout       int    `yaml:"http_timeout"`
	FallbackTimeout   int    `yaml:"fallback_timeout"`
	SessionCache      string `yaml:"session_cache"`
}

type ActuatorConfig struct {
	BaseURL        string `yaml:"base_url"`
	WebSocketURL   string `yaml:"websocket_url"`
	APIKey         string `yaml:"api_key"`
	HTTPTimeout    int    `yaml:"http_timeout"`
	StatusInterval int    `yaml:"status_interval"`
}

type WeatherConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout int    `yaml:"timeout"`
	TTL     int    `yaml:"ttl"`
}

type NightConfig struct {
	StartHour int     `yaml:"start_hour"`
	EndHour   int     `yaml:"end_hour"`
	Factor    float64 `yaml:"factor"`
}

type ControllerConfig struct {
	SwitchInterval int         `yaml:"switch_interval"`
	PumpInterval   int         `yaml:"pump_interval"`
	AlertThreshold int         `yaml:"alert_threshold"`
	Night          NightConfig `yaml:"night"`
}

type DatabaseConfig struct {
	Path               string `yaml:"path"`
	RetentionDays      int    `yaml:"retention_days"`
	EnergySnapshotCron string `yaml:"energy_snapshot_cron"`
	PruneCron          string `yaml:"prune_cron"`
	SyncInterval       int    `yaml:"sync_interval"`
}

type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SpeedRow maps an ambient temperature to the minimum pump speed.
type SpeedRow struct {
	Temp  float64 `yaml:"temp"`
	Speed int     `yaml:"speed"`
}

type PowerRow struct {
	Speed float64 `yaml:"speed"`
	Watts float64 `yaml:"watts"`
}

type PumpConfig struct {
	SpeedTable []SpeedRow `yaml:"speed_table"`
	Step       int        `yaml:"step"`
	MinSpeed   int        `yaml:"min_speed"`
	MaxSpeed   int        `yaml:"max_speed"`
	Location   string     `yaml:"location"`
	PowerTable []PowerRow `yaml:"power_table"`
	ModeCode   string     `yaml:"mode_code"`
}

// ChannelConfig is one relay of a multi_switch hub. Unset fields inherit
// from the hub entry.
type ChannelConfig struct {
	Channel      string   `yaml:"channel"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	MinVolt      *float64 `yaml:"min_volt"`
	MaxVolt      *float64 `yaml:"max_volt"`
	Priority     *int     `yaml:"priority"`
	TimeDelay    *int     `yaml:"time_delay"`
	LoadWatts    *float64 `yaml:"load_watts"`
	MinThreshold *float64 `yaml:"min_threshold"`
}

// DeviceConfig is one entry of the devices list. TimeDelay is in seconds.
type DeviceConfig struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description"`
	Type         string          `yaml:"type"`
	MinVolt      float64         `yaml:"min_volt"`
	MaxVolt      float64         `yaml:"max_volt"`
	ControlKey   string          `yaml:"control_key"`
	StateKey     string          `yaml:"state_key"`
	TimeDelay    *int            `yaml:"time_delay"`
	LoadWatts    float64         `yaml:"load_watts"`
	Priority     *int            `yaml:"priority"`
	GatewayID    string          `yaml:"gateway_id"`
	MinThreshold *float64        `yaml:"min_threshold"`
	Channels     []ChannelConfig `yaml:"channels"`
	Pump         *PumpConfig     `yaml:"pump"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.Telemetry.PollInterval = 30
	cfg.Telemetry.HTTPTimeout = 120
	cfg.Telemetry.FallbackTimeout = 20
	cfg.Telemetry.SessionCache = "/var/lib/solar-controller/session.json"
	cfg.Actuator.HTTPTimeout = 15
	cfg.Actuator.StatusInterval = 30
	cfg.Weather.Timeout = 15
	cfg.Weather.TTL = 1800
	cfg.Controller.SwitchInterval = 30
	cfg.Controller.PumpInterval = 60
	cfg.Controller.AlertThreshold = 3
	cfg.Controller.Night = NightConfig{StartHour: 22, EndHour: 7, Factor: 5}
	cfg.Database.Path = "/var/lib/solar-controller/history.db"
	cfg.Database.RetentionDays = 30
	cfg.Database.EnergySnapshotCron = "*/10 * * * *"
	cfg.Database.PruneCron = "0 3 * * *"
	cfg.Database.SyncInterval = 30
	cfg.HTTP.Addr = ":8080"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Telemetry.Username == "" || c.Telemetry.Password == "" {
		errs = append(errs, errors.New("telemetry.username and telemetry.password are required"))
	}
	if c.Telemetry.PN == "" || c.Telemetry.SN == "" || c.Telemetry.DevCode == "" {
		errs = append(errs, errors.New("telemetry.pn, telemetry.sn and telemetry.devcode are required"))
	}
	if c.Actuator.BaseURL == "" {
		errs = append(errs, errors.New("actuator.base_url is required"))
	}
	if c.Controller.SwitchInterval <= 0 || c.Controller.PumpInterval <= 0 {
		errs = append(errs, errors.New("controller intervals must be positive"))
	}
	n := c.Controller.Night
	if n.StartHour < 0 || n.StartHour > 23 || n.EndHour < 0 || n.EndHour > 23 {
		errs = append(errs, fmt.Errorf("controller.night hours must be 0-23, got %d-%d", n.StartHour, n.EndHour))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		errs = append(errs, d.validate(i)...)
		for _, id := range d.expandedIDs() {
			if seen[id] {
				errs = append(errs, fmt.Errorf("devices: duplicate id %q", id))
			}
			seen[id] = true
		}
	}
	return errors.Join(errs...)
}

func (d *DeviceConfig) validate(i int) []error {
	var errs []error
	where := fmt.Sprintf("devices[%d]", i)
	if d.ID != "" {
		where = fmt.Sprintf("device %q", d.ID)
	}
	if d.ID == "" {
		errs = append(errs, fmt.Errorf("%s: id is required", where))
	}
	switch d.Type {
	case string(device.TypeSwitch), string(device.TypePump), string(device.TypeThermometer), string(device.TypeOther), TypeMultiSwitch:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown type %q", where, d.Type))
	}
	if d.MinVolt > d.MaxVolt {
		errs = append(errs, fmt.Errorf("%s: min_volt %.2f > max_volt %.2f", where, d.MinVolt, d.MaxVolt))
	}
	switch d.Type {
	case TypeMultiSwitch:
		if len(d.Channels) == 0 {
			errs = append(errs, fmt.Errorf("%s: multi_switch needs at least one channel", where))
		}
		for j, ch := range d.Channels {
			if ch.Channel == "" {
				errs = append(errs, fmt.Errorf("%s: channels[%d].channel is required", where, j))
			}
			lo, hi := d.MinVolt, d.MaxVolt
			if ch.MinVolt != nil {
				lo = *ch.MinVolt
			}
			if ch.MaxVolt != nil {
				hi = *ch.MaxVolt
			}
			if lo > hi {
				errs = append(errs, fmt.Errorf("%s: channel %q min_volt %.2f > max_volt %.2f", where, ch.Channel, lo, hi))
			}
		}
	case string(device.TypePump):
		if d.Pump == nil {
			errs = append(errs, fmt.Errorf("%s: pump section is required", where))
			break
		}
		if d.Pump.Step <= 0 {
			errs = append(errs, fmt.Errorf("%s: pump.step must be positive", where))
		}
		if d.Pump.MaxSpeed < 0 || d.Pump.MinSpeed < 0 {
			errs = append(errs, fmt.Errorf("%s: pump speeds must not be negative", where))
		}
	}
	return errs
}

func (d *DeviceConfig) expandedIDs() []string {
	if d.Type != TypeMultiSwitch {
		return []string{d.ID}
	}
	ids := make([]string, 0, len(d.Channels))
	for _, ch := range d.Channels {
		ids = append(ids, d.ID+":"+ch.Channel)
	}
	return ids
}

// BuildRegistry creates one device per entry, expanding multi_switch hubs
// into a switch per channel.
func (c *Config) BuildRegistry() (*device.Registry, error) {
	reg := device.NewRegistry()
	for i := range c.Devices {
		for _, d := range c.Devices[i].build() {
			if err := reg.Add(d); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func (d *DeviceConfig) build() []*device.Device {
	if d.Type == TypeMultiSwitch {
		out := make([]*device.Device, 0, len(d.Channels))
		for _, ch := range d.Channels {
			out = append(out, d.buildChannel(ch))
		}
		return out
	}

	dev := device.New(d.ID, d.Name, device.ParseType(d.Type))
	dev.Description = d.Description
	dev.MinVolt, dev.MaxVolt = d.MinVolt, d.MaxVolt
	dev.ControlKey, dev.StateKey = d.ControlKey, d.StateKey
	dev.TimeDelay = secondsToDuration(intOr(d.TimeDelay, defaultTimeDelay))
	dev.LoadWatts = d.LoadWatts
	dev.Priority = intOr(d.Priority, defaultPriority)
	dev.GatewayID = d.GatewayID
	if dev.GatewayID == "" && dev.Type != device.TypeOther {
		dev.GatewayID = d.ID
	}

	switch dev.Type {
	case device.TypeSwitch:
		if dev.ControlKey == "" {
			dev.ControlKey = defaultRelayKey
		}
		if dev.StateKey == "" {
			dev.StateKey = dev.ControlKey
		}
		dev.Switch = &device.SwitchSettings{Channel: dev.ControlKey, MinThreshold: d.MinThreshold}
	case device.TypePump:
		if dev.ControlKey == "" {
			dev.ControlKey = defaultPumpKey
		}
		if dev.StateKey == "" {
			dev.StateKey = defaultPumpState
		}
		dev.Pump = d.Pump.settings()
	}
	return []*device.Device{dev}
}

func (d *DeviceConfig) buildChannel(ch ChannelConfig) *device.Device {
	name := ch.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", d.Name, ch.Channel)
	}
	dev := device.New(d.ID+":"+ch.Channel, name, device.TypeSwitch)
	dev.Description = ch.Description
	dev.MinVolt = floatOr(ch.MinVolt, d.MinVolt)
	dev.MaxVolt = floatOr(ch.MaxVolt, d.MaxVolt)
	dev.ControlKey, dev.StateKey = ch.Channel, ch.Channel
	dev.TimeDelay = secondsToDuration(intOr(ch.TimeDelay, intOr(d.TimeDelay, defaultTimeDelay)))
	dev.LoadWatts = floatOr(ch.LoadWatts, d.LoadWatts)
	dev.Priority = intOr(ch.Priority, intOr(d.Priority, defaultPriority))
	dev.GatewayID = d.ID

	threshold := d.MinThreshold
	if ch.MinThreshold != nil {
		threshold = ch.MinThreshold
	}
	dev.Switch = &device.SwitchSettings{Channel: ch.Channel, MinThreshold: threshold}
	return dev
}

func (p *PumpConfig) settings() *device.PumpSettings {
	s := &device.PumpSettings{
		Step:            p.Step,
		DefaultMinSpeed: p.MinSpeed,
		MaxSpeed:        p.MaxSpeed,
		Location:        p.Location,
		ModeCode:        p.ModeCode,
	}
	if s.MaxSpeed == 0 {
		s.MaxSpeed = 100
	}
	for _, row := range p.SpeedTable {
		s.SpeedTable = append(s.SpeedTable, device.SpeedPoint{Temp: row.Temp, Speed: row.Speed})
	}
	sort.Slice(s.SpeedTable, func(i, j int) bool { return s.SpeedTable[i].Temp < s.SpeedTable[j].Temp })
	for _, row := range p.PowerTable {
		s.PowerTable = append(s.PowerTable, device.PowerPoint{Speed: row.Speed, Watts: row.Watts})
	}
	sort.Slice(s.PowerTable, func(i, j int) bool { return s.PowerTable[i].Speed < s.PowerTable[j].Speed })
	return s
}

// TelemetryClientConfig converts the telemetry section.
func (c *Config) TelemetryClientConfig() telemetry.Config {
	t := telemetry.DefaultConfig()
	if c.Telemetry.BaseURL != "" {
		t.BaseURL = c.Telemetry.BaseURL
	}
	if c.Telemetry.FallbackURL != "" {
		t.FallbackURL = c.Telemetry.FallbackURL
	}
	t.StaticFallbackURL = c.Telemetry.StaticFallbackURL
	t.Username = c.Telemetry.Username
	t.Password = c.Telemetry.Password
	t.CompanyKey = c.Telemetry.CompanyKey
	t.PN = c.Telemetry.PN
	t.DevCode = c.Telemetry.DevCode
	t.DevAddr = c.Telemetry.DevAddr
	if t.DevAddr == "" {
		t.DevAddr = "1"
	}
	t.SN = c.Telemetry.SN
	if c.Telemetry.HTTPTimeout > 0 {
		t.HTTPTimeout = secondsToDuration(c.Telemetry.HTTPTimeout)
	}
	if c.Telemetry.FallbackTimeout > 0 {
		t.FallbackTimeout = secondsToDuration(c.Telemetry.FallbackTimeout)
	}
	return t
}

// GatewayConfig converts the actuator section.
func (c *Config) GatewayConfig() actuator.Config {
	a := actuator.DefaultConfig()
	a.BaseURL = c.Actuator.BaseURL
	a.WebSocketURL = c.Actuator.WebSocketURL
	a.APIKey = c.Actuator.APIKey
	if c.Actuator.HTTPTimeout > 0 {
		a.HTTPTimeout = secondsToDuration(c.Actuator.HTTPTimeout)
	}
	return a
}

// WeatherClientConfig converts the weather section.
func (c *Config) WeatherClientConfig() weather.Config {
	w := weather.DefaultConfig()
	if c.Weather.BaseURL != "" {
		w.BaseURL = c.Weather.BaseURL
	}
	w.APIKey = c.Weather.APIKey
	if c.Weather.Timeout > 0 {
		w.Timeout = secondsToDuration(c.Weather.Timeout)
	}
	return w
}

// Night converts the controller night window.
func (c *Config) Night() schedule.Night {
	n := c.Controller.Night
	return schedule.Night{StartHour: n.StartHour, EndHour: n.EndHour, Factor: n.Factor}
}

// Seconds converts a configured number of seconds.
func Seconds(n int) time.Duration {
	return secondsToDuration(n)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
