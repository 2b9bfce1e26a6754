package record

import (
	"strings"
	"time"
)

// Column is one named Local Store value.
type Column struct {
	Name  string
	Value any
}

// Row is implemented by every Local Store record type.
type Row interface {
	// Table is the Local Store table the row belongs to.
	Table() string

	// LocalID returns the primary key of an existing row, or 0 for a row
	// that has not been written yet.
	LocalID() int64

	// NaturalKey returns the stable identity used to match a source record
	// against an existing row.
	NaturalKey() string

	// Columns returns the mapped columns in a fixed order.
	Columns() []Column

	// Missing returns the names of required columns that are empty.
	Missing() []string
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the value of the named column.
func Lookup(cols []Column, name string) (any, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

// Equal reports whether two column values are equal.
// Times compare by instant so that values read back from the store in a
// different location still match.
func Equal(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// normalizeValue collapses the pointer and integer variants that drivers and
// structs produce into the canonical column value types.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case *int64:
		if val == nil {
			return nil
		}
		return *val
	case *int:
		if val == nil {
			return nil
		}
		return int64(*val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Truncate(time.Second)
	case time.Time:
		return val.UTC().Truncate(time.Second)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case []byte:
		return string(val)
	default:
		return v
	}
}

// Value returns the canonical column value for v.
func Value(v any) any {
	return normalizeValue(v)
}

// IsEmpty reports whether a column value counts as unset for required-field checks.
func IsEmpty(v any) bool {
	switch val := normalizeValue(v).(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case int64:
		return val == 0
	case time.Time:
		return val.IsZero()
	default:
		return false
	}
}

// missingOf returns the required column names whose values are empty.
func missingOf(cols []Column, required []string) []string {
	var missing []string
	for _, name := range required {
		v, ok := Lookup(cols, name)
		if !ok || IsEmpty(v) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Int64Ptr returns a pointer to v, or nil when v is zero.
func Int64Ptr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
