// Package actuator drives relays and pumps through the device gateway and
// keeps the device registry in sync with what the hardware reports.
package actuator

import (
	"context"

	"github.com/offgrid/solar-controller/internal/device"
)

// Actuator is the command surface of the device gateway. Calls never panic
// or return errors for command failures; the boolean tells whether the
// gateway confirmed the command.
type Actuator interface {
	SwitchBinary(ctx context.Context, d *device.Device, on bool) bool
	SetNumeric(ctx context.Context, d *device.Device, value int) bool
	GetBulkStatus(ctx context.Context, ids []string) ([]DeviceStatus, error)
}

// CodeValue is one reported or commanded parameter.
type CodeValue struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// DeviceStatus is the parameter list of one gateway device.
type DeviceStatus struct {
	ID     string      `json:"id"`
	Status []CodeValue `json:"status"`
}

// ExtractStatus flattens a parameter list into a map. Single-relay plugs
// that only report "Power" also get "switch_1" so relay logic can read them.
func ExtractStatus(items []CodeValue) map[string]any {
	m := make(map[string]any, len(items)+1)
	for _, it := range items {
		if it.Code == "" {
			continue
		}
		m[it.Code] = it.Value
	}
	if _, ok := m["switch_1"]; !ok {
		if p, ok := m["Power"]; ok {
			m["switch_1"] = p
		}
	}
	return m
}

// targetID returns the gateway id a command for d is addressed to.
func targetID(d *device.Device) string {
	if d.GatewayID != "" {
		return d.GatewayID
	}
	return d.ID
}
