package fieldmap

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chameleoncloud/portalsync/internal/record"
)

// timeLayouts are tried in order. TAS emits both zoned and zone-less
// timestamps; zone-less values are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// String accepts strings and numbers.
func String(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("expected string, got %T", raw)
	}
}

// Lower is String followed by lowercasing.
func Lower(raw any) (string, error) {
	s, err := String(raw)
	if err != nil {
		return "", err
	}
	return record.Lower(s), nil
}

// Int accepts integral numbers and numeric strings.
func Int(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return integral(f)
	case float64:
		return integral(v)
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func integral(f float64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("integer out of range: %v", f)
	}
	return int64(f), nil
}

// OptionalID maps TAS's "0 means none" ids to nil.
func OptionalID(raw any) (*int64, error) {
	n, err := Int(raw)
	if err != nil {
		return nil, err
	}
	return record.Int64Ptr(n), nil
}

// Float accepts numbers and numeric strings.
func Float(raw any) (float64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// Time parses a TAS timestamp into a UTC time. Empty strings map to nil.
func Time(raw any) (*time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected timestamp string, got %T", raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}

// Bool accepts JSON booleans and the strings "true"/"false"/"1"/"0".
func Bool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("not a boolean: %q", v)
		}
		return b, nil
	case json.Number:
		return v.String() != "0", nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", raw)
	}
}
