package device

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DefaultPowerLimit is the inverter budget used by AvailablePower when no
// limit is given.
const DefaultPowerLimit = 10000.0

// ErrDuplicateID is matched by errors.Is for any DuplicateIDError.
var ErrDuplicateID = errors.New("duplicate device id")

// DuplicateIDError is returned by Add when the id is already registered.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate device id %q", e.ID)
}

func (e *DuplicateIDError) Is(target error) bool {
	return target == ErrDuplicateID
}

// Registry owns the devices of one process, in insertion order.
// Devices are added during startup only; after that the set is read-only
// and safe to share between loops.
type Registry struct {
	devices []*Device
	byID    map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Device)}
}

// Add registers d.
func (r *Registry) Add(d *Device) error {
	if _, exists := r.byID[d.ID]; exists {
		return &DuplicateIDError{ID: d.ID}
	}
	r.devices = append(r.devices, d)
	r.byID[d.ID] = d
	return nil
}

// Get returns the device with id.
func (r *Registry) Get(id string) (*Device, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Len returns the number of devices.
func (r *Registry) Len() int { return len(r.devices) }

// All returns every device in insertion order.
func (r *Registry) All() []*Device {
	return slices.Clone(r.devices)
}

// ByType returns the devices of one type in insertion order.
func (r *Registry) ByType(t Type) []*Device {
	return r.filter(func(d *Device) bool { return d.Type == t })
}

// ByPriority returns all devices sorted ascending by priority. Ties keep
// insertion order.
func (r *Registry) ByPriority() []*Device {
	out := slices.Clone(r.devices)
	slices.SortStableFunc(out, func(a, b *Device) int { return a.Priority - b.Priority })
	return out
}

// ByGateway returns the channels that share one actuator-side hardware id.
func (r *Registry) ByGateway(gatewayID string) []*Device {
	return r.filter(func(d *Device) bool { return d.GatewayID == gatewayID })
}

// GatewayIDs returns the distinct actuator-side ids in first-seen order.
func (r *Registry) GatewayIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, d := range r.devices {
		if d.GatewayID == "" || seen[d.GatewayID] {
			continue
		}
		seen[d.GatewayID] = true
		ids = append(ids, d.GatewayID)
	}
	return ids
}

// ByName returns the first device whose name matches, case-insensitively.
func (r *Registry) ByName(name string) (*Device, bool) {
	for _, d := range r.devices {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return nil, false
}

// ByDescription returns devices whose description contains substr.
func (r *Registry) ByDescription(substr string) []*Device {
	substr = strings.ToLower(substr)
	return r.filter(func(d *Device) bool {
		return strings.Contains(strings.ToLower(d.Description), substr)
	})
}

// On returns the devices currently reporting on.
func (r *Registry) On() []*Device {
	return r.filter((*Device).IsOn)
}

// Off returns the devices currently reporting off.
func (r *Registry) Off() []*Device {
	return r.filter(func(d *Device) bool { return !d.IsOn() })
}

// TotalPower sums the nominal power of every device.
func (r *Registry) TotalPower() float64 {
	var total float64
	for _, d := range r.devices {
		total += d.Power()
	}
	return total
}

// ActivePower sums the draw of devices that are currently on.
func (r *Registry) ActivePower() float64 {
	var total float64
	for _, d := range r.devices {
		total += d.Draw()
	}
	return total
}

// AvailablePower returns limit minus TotalPower. A non-positive limit uses
// DefaultPowerLimit.
func (r *Registry) AvailablePower(limit float64) float64 {
	if limit <= 0 {
		limit = DefaultPowerLimit
	}
	return limit - r.TotalPower()
}

func (r *Registry) filter(keep func(*Device) bool) []*Device {
	var out []*Device
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
