package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Lower lowercases s for enum-like values such as allocation status.
func Lower(s string) string {
	return cases.Lower(language.Und).String(norm.NFC.String(s))
}

// Fold case-folds s for case-insensitive name matching.
func Fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// CanonicalKey renders column values as a compact JSON array.
// Column names are not part of the key; callers always pass columns in the
// same fixed order.
func CanonicalKey(cols []Column) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, c := range cols {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(c.Value)
		if err != nil {
			// Column values are restricted to canonical types; anything else is
			// a programming error in a Columns() implementation.
			panic(fmt.Sprintf("record: column %s: %v", c.Name, err))
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.String()
}

// MarshalCanonical produces deterministic JSON for column values, maps and
// slices of them.
//
// Differences from json.Marshal:
//  1. Object keys are sorted
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Times are RFC 3339 in UTC, truncated to seconds
func MarshalCanonical(v any) ([]byte, error) {
	switch val := normalizeValue(v).(type) {
	case nil:
		return []byte("null"), nil
	case string:
		return marshalCanonicalString(val)
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case time.Time:
		return marshalCanonicalString(val.Format(time.RFC3339))
	case []any:
		return marshalCanonicalArray(val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return marshalCanonicalArray(arr)
	case map[string]any:
		return marshalCanonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// marshalCanonicalString encodes s without HTML escaping after NFC normalization.
func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func marshalCanonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
