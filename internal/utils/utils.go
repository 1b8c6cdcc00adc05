// Package utils holds fail-soft value coercion shared by device status maps
// and the shared state store.
package utils

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseFloatOrNil parses s as a float, returning nil when it is not a number.
func ParseFloatOrNil(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Float coerces v into a float64. Strings are parsed; anything else that is
// not numeric reports false.
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		if p := ParseFloatOrNil(x); p != nil {
			return *p, true
		}
	}
	return 0, false
}

// Int coerces v into an int, truncating fractional values.
func Int(v any) (int, bool) {
	f, ok := Float(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool is a permissive truthiness check: true, numeric 1, and the strings
// "1", "true", "yes", "on" (case-insensitive). Everything else is false.
// The second result reports whether v was recognisable at all.
func Bool(v any) (bool, bool) {
	switch x := v.(type) {
	case nil:
		return false, false
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on":
			return true, true
		default:
			return false, true
		}
	}
	if f, ok := Float(v); ok {
		return f == 1, true
	}
	return false, false
}

// String renders v as a string when it is a string or a number.
func String(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case nil:
		return "", false
	case bool:
		return strconv.FormatBool(x), true
	}
	if f, ok := Float(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}
