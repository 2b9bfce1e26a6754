package tas

import "github.com/chameleoncloud/portalsync/internal/fieldmap"

// Record is one TAS JSON object as decoded from the wire.
// Numbers are kept as json.Number.
type Record map[string]any

// String returns the value at key if it is a non-null string.
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Int returns the value at key as an integer. Integral floats and numeric
// strings are accepted.
func (r Record) Int(key string) (int64, bool) {
	n, err := fieldmap.Int(r[key])
	return n, err == nil
}

// Record returns the nested object at key.
func (r Record) Record(key string) (Record, bool) {
	switch v := r[key].(type) {
	case map[string]any:
		return Record(v), true
	case Record:
		return v, true
	default:
		return nil, false
	}
}

// Records returns the nested array of objects at key. Non-object elements are
// skipped.
func (r Record) Records(key string) []Record {
	var out []Record
	switch v := r[key].(type) {
	case []any:
		for _, elem := range v {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, Record(m))
			}
		}
	case []Record:
		out = append(out, v...)
	}
	return out
}
