// Package events defines the normalized event structs the staging buffers
// operate on, plus the field coercion needed to build them from the untyped
// webhook payloads.
package events

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValidCoords reports whether a latitude/longitude pair is usable. The null
// island pair (0, 0), out-of-range values and NaN are all rejected.
func ValidCoords(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// IVBucket maps a raw 0-100 IV percentage onto the compact bucket set
// {0, 25, 50, 75, 90, 95, 100}. Returns -1 for out-of-range input.
func IVBucket(iv int) int {
	switch {
	case iv < 0 || iv > 100:
		return -1
	case iv < 25:
		return 0
	case iv < 50:
		return 25
	case iv < 75:
		return 50
	case iv < 90:
		return 75
	case iv < 95:
		return 90
	case iv < 100:
		return 95
	default:
		return 100
	}
}

// MonthYear encodes a timestamp as the 4-digit YYMM integer used as the
// monthly range-partition key.
func MonthYear(t time.Time) uint16 {
	t = t.UTC()
	return uint16((t.Year()%100)*100 + int(t.Month()))
}

// DayDate returns the calendar date of a timestamp in UTC.
func DayDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SeenAt formats a timestamp as a MySQL DATETIME literal in UTC.
func SeenAt(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Field coercion. Webhook payloads arrive as map[string]any decoded from
// JSON, so numbers are float64 but integer-looking strings also occur in
// the wild.

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		if s == math.Trunc(s) {
			return strconv.FormatInt(int64(s), 10), true
		}
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	default:
		return "", false
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case string:
		return b == "1" || b == "true"
	default:
		return false
	}
}

func requireInt(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("field %q is not an integer: %v", key, v)
	}
	return n, nil
}

func requireFloat(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, fmt.Errorf("field %q is not a number: %v", key, v)
	}
	return f, nil
}

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := asString(v)
	if !ok || s == "" {
		return "", fmt.Errorf("field %q is empty or not a string: %v", key, v)
	}
	return s, nil
}

func optString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := asString(v); ok {
			return s
		}
	}
	return ""
}

func optInt(m map[string]any, key string) int64 {
	if v, ok := m[key]; ok {
		if n, ok := asInt64(v); ok {
			return n
		}
	}
	return 0
}
