package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/offgrid/solar-controller/internal/state"
	"github.com/offgrid/solar-controller/internal/utils"
)

// Source values recorded on a Reading.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// Reading is one inverter snapshot. Numeric fields are nil when the service
// omitted them or sent something unparseable.
type Reading struct {
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`

	Timestamp    string `json:"timestamp,omitempty"`
	WorkingState string `json:"working_state,omitempty"`

	BatteryVoltage            *float64 `json:"battery_voltage"`
	BatteryCapacity           *float64 `json:"battery_capacity"`
	BatteryChargingCurrent    *float64 `json:"battery_charging_current"`
	BatteryDischargingCurrent *float64 `json:"battery_discharging_current"`
	PV1Voltage                *float64 `json:"pv1_voltage"`
	PV1Power                  *float64 `json:"pv1_power"`
	PV2Voltage                *float64 `json:"pv2_voltage"`
	PV2Power                  *float64 `json:"pv2_power"`
	PVTotalPower              *float64 `json:"pv_total_power"`
	OutputVoltage             *float64 `json:"output_voltage"`
	OutputPower               *float64 `json:"output_power"`
	ACInputVoltage            *float64 `json:"ac_input_voltage"`
	ACInputFrequency          *float64 `json:"ac_input_frequency"`
	ACOutputLoad              *float64 `json:"ac_output_load"`

	BatteryStatus   string `json:"battery_status,omitempty"`
	PVStatus        string `json:"pv_status,omitempty"`
	MainsStatus     string `json:"mains_status,omitempty"`
	LoadStatus      string `json:"load_status,omitempty"`
	ChargerPriority string `json:"charger_priority,omitempty"`
	OutputPriority  string `json:"output_priority,omitempty"`
}

// titleFields maps the titles used by both read paths onto Reading fields.
var titleFields = map[string]string{
	"Timestamp":                 "timestamp",
	"时间戳":                       "timestamp",
	"Working State":             "working_state",
	"Battery Voltage":           "battery_voltage",
	"电池电压":                      "battery_voltage",
	"Battery Capacity":          "battery_capacity",
	"Battery Charging Current":  "battery_charging_current",
	"Battery Discharge Current": "battery_discharging_current",
	"PV1 Input Voltage":         "pv1_voltage",
	"PV1 Input Power":           "pv1_power",
	"PV2 input voltage":         "pv2_voltage",
	"PV2 input power":           "pv2_power",
	"PV total Power":            "pv_total_power",
	"Output Voltage":            "output_voltage",
	"Output Active Power":       "output_power",
	"AC Input Voltage":          "ac_input_voltage",
	"AC Input Frequency":        "ac_input_frequency",
	"AC Output Load":            "ac_output_load",
	"Battery Status":            "battery_status",
	"PV Status":                 "pv_status",
	"Mains Status":              "mains_status",
	"Load Status":               "load_status",
	"Charger Source Priority":   "charger_priority",
	"Output Source Priority":    "output_priority",
}

type fieldRef struct {
	str func(*Reading) *string
	num func(*Reading) **float64
}

var readingFields = map[string]fieldRef{
	"timestamp":                   {str: func(r *Reading) *string { return &r.Timestamp }},
	"working_state":               {str: func(r *Reading) *string { return &r.WorkingState }},
	"battery_status":              {str: func(r *Reading) *string { return &r.BatteryStatus }},
	"pv_status":                   {str: func(r *Reading) *string { return &r.PVStatus }},
	"mains_status":                {str: func(r *Reading) *string { return &r.MainsStatus }},
	"load_status":                 {str: func(r *Reading) *string { return &r.LoadStatus }},
	"charger_priority":            {str: func(r *Reading) *string { return &r.ChargerPriority }},
	"output_priority":             {str: func(r *Reading) *string { return &r.OutputPriority }},
	"battery_voltage":             {num: func(r *Reading) **float64 { return &r.BatteryVoltage }},
	"battery_capacity":            {num: func(r *Reading) **float64 { return &r.BatteryCapacity }},
	"battery_charging_current":    {num: func(r *Reading) **float64 { return &r.BatteryChargingCurrent }},
	"battery_discharging_current": {num: func(r *Reading) **float64 { return &r.BatteryDischargingCurrent }},
	"pv1_voltage":                 {num: func(r *Reading) **float64 { return &r.PV1Voltage }},
	"pv1_power":                   {num: func(r *Reading) **float64 { return &r.PV1Power }},
	"pv2_voltage":                 {num: func(r *Reading) **float64 { return &r.PV2Voltage }},
	"pv2_power":                   {num: func(r *Reading) **float64 { return &r.PV2Power }},
	"pv_total_power":              {num: func(r *Reading) **float64 { return &r.PVTotalPower }},
	"output_voltage":              {num: func(r *Reading) **float64 { return &r.OutputVoltage }},
	"output_power":                {num: func(r *Reading) **float64 { return &r.OutputPower }},
	"ac_input_voltage":            {num: func(r *Reading) **float64 { return &r.ACInputVoltage }},
	"ac_input_frequency":          {num: func(r *Reading) **float64 { return &r.ACInputFrequency }},
	"ac_output_load":              {num: func(r *Reading) **float64 { return &r.ACOutputLoad }},
}

// setTitle stores val under the field mapped from title. It reports whether
// the title was recognised.
func (r *Reading) setTitle(title string, val any) bool {
	field, ok := titleFields[strings.TrimSpace(title)]
	if !ok {
		return false
	}
	ref := readingFields[field]
	text := valueText(val)
	if ref.str != nil {
		*ref.str(r) = text
	} else {
		*ref.num(r) = utils.ParseFloatOrNil(text)
	}
	return true
}

func valueText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	}
	if s, ok := utils.String(v); ok {
		return s
	}
	return fmt.Sprint(v)
}

// InverterOn reports whether the inverter is supplying the loads from
// battery/solar rather than passing the grid through.
func (r *Reading) InverterOn() bool {
	return !IsGridMode(r.WorkingState)
}

// IsGridMode reports whether a working-state string means the loads run on
// mains power ("Line Mode").
func IsGridMode(mode string) bool {
	return strings.Contains(strings.ToUpper(mode), "LINE")
}

// StateValues returns the shared-state keys for every field present in r.
func (r *Reading) StateValues() map[string]any {
	out := map[string]any{
		state.KeyTelemetrySource: r.Source,
	}
	putStr := func(key, v string) {
		if v != "" {
			out[key] = v
		}
	}
	putNum := func(key string, v *float64) {
		if v != nil {
			out[key] = *v
		}
	}
	putStr(state.KeyTelemetryTimestamp, r.Timestamp)
	putStr(state.KeyWorkingMode, r.WorkingState)
	putStr(state.KeyMainsStatus, r.MainsStatus)
	putNum(state.KeyBatteryVoltage, r.BatteryVoltage)
	putNum(state.KeyBatterySOC, r.BatteryCapacity)
	putNum(state.KeyBatteryChargeAmps, r.BatteryChargingCurrent)
	putNum(state.KeyBatteryDischarge, r.BatteryDischargingCurrent)
	putNum(state.KeyPV1Voltage, r.PV1Voltage)
	putNum(state.KeyPV1Power, r.PV1Power)
	putNum(state.KeyPV2Voltage, r.PV2Voltage)
	putNum(state.KeyPV2Power, r.PV2Power)
	putNum(state.KeyPVTotalPower, r.PVTotalPower)
	putNum(state.KeyOutputVoltage, r.OutputVoltage)
	putNum(state.KeyOutputPower, r.OutputPower)
	putNum(state.KeyACInputVoltage, r.ACInputVoltage)
	putNum(state.KeyACInputFrequency, r.ACInputFrequency)
	putNum(state.KeyACOutputLoad, r.ACOutputLoad)
	return out
}

// Summary is a one-line human description for logs.
func (r *Reading) Summary() string {
	f := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f", *v)
	}
	return fmt.Sprintf("mode=%q battery=%sV soc=%s%% pv=%sW load=%sW (%s%%)",
		r.WorkingState, f(r.BatteryVoltage), f(r.BatteryCapacity),
		f(r.PVTotalPower), f(r.OutputPower), f(r.ACOutputLoad))
}

// envelope is the common response wrapper of the monitoring service.
type envelope struct {
	Err  int             `json:"err"`
	Desc string          `json:"desc"`
	Dat  json.RawMessage `json:"dat"`
}

// check classifies a non-zero error code.
func (e *envelope) check(op string) error {
	if e.Err == 0 {
		return nil
	}
	if strings.Contains(strings.ToUpper(e.Desc), "TOKEN") || e.Err == 2 {
		return fmt.Errorf("%s: %w (%s)", op, ErrTokenExpired, e.Desc)
	}
	return &ProtocolError{Op: op, Msg: fmt.Sprintf("api error %d: %s", e.Err, e.Desc)}
}

type primaryItem struct {
	Title string `json:"title"`
	Val   any    `json:"val"`
	Unit  string `json:"unit"`
}

// parsePrimary decodes the queryDeviceLastData payload: dat is a list of
// titled values.
func parsePrimary(dat json.RawMessage) (*Reading, error) {
	var items []primaryItem
	if err := json.Unmarshal(dat, &items); err != nil {
		return nil, &ProtocolError{Op: "queryDeviceLastData", Msg: "dat is not a list", Err: err}
	}
	r := &Reading{Source: SourcePrimary}
	matched := 0
	for _, it := range items {
		if r.setTitle(it.Title, it.Val) {
			matched++
		}
	}
	if matched == 0 {
		return nil, &ProtocolError{Op: "queryDeviceLastData", Msg: "no known fields in response"}
	}
	return r, nil
}

type fallbackDat struct {
	GTS  string `json:"gts"`
	Pars map[string][]struct {
		Par string `json:"par"`
		Val any    `json:"val"`
	} `json:"pars"`
}

// parseFallback decodes the querySPDeviceLastData payload: values are
// grouped by hardware subsystem and the timestamp comes from gts.
func parseFallback(dat json.RawMessage) (*Reading, error) {
	var d fallbackDat
	if err := json.Unmarshal(dat, &d); err != nil {
		return nil, &ProtocolError{Op: "querySPDeviceLastData", Msg: "dat is not an object", Err: err}
	}
	r := &Reading{Source: SourceFallback, Timestamp: d.GTS}
	matched := 0
	for _, group := range d.Pars {
		for _, item := range group {
			if r.setTitle(item.Par, item.Val) {
				matched++
			}
		}
	}
	if matched == 0 && d.GTS == "" {
		return nil, &ProtocolError{Op: "querySPDeviceLastData", Msg: "no known fields in response"}
	}
	return r, nil
}
