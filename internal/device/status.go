package device

import (
	"maps"
	"sync"

	"github.com/offgrid/solar-controller/internal/utils"
)

// Status is the last-known parameter map reported by the actuator for one
// channel. Keys are vendor codes ("switch_1", "P", "Power", "temp_current").
// Typed accessors never fail hard: a missing or malformed value reports ok=false.
type Status struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStatus returns an empty status map.
func NewStatus() *Status {
	return &Status{values: make(map[string]any)}
}

// Get returns the raw value stored under key.
func (s *Status) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Bool returns the permissive truthiness of key.
func (s *Status) Bool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}
	return utils.Bool(v)
}

// Float returns key as a float64.
func (s *Status) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return utils.Float(v)
}

// Int returns key as an int.
func (s *Status) Int(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return utils.Int(v)
}

// String returns key rendered as a string.
func (s *Status) String(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	return utils.String(v)
}

// Set stores one value.
func (s *Status) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Merge stores every entry of values, keeping keys not present in values.
func (s *Status) Merge(values map[string]any) {
	s.mu.Lock()
	maps.Copy(s.values, values)
	s.mu.Unlock()
}

// Map returns a copy of the current values.
func (s *Status) Map() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Len reports the number of known parameters.
func (s *Status) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
