package store

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/pkg/errors"
)

// Row is a single table row in driver-neutral form. Values are JSON-compatible:
// strings, numbers, bools, nested maps and slices. Drivers that speak SQL
// serialize nested values to JSON text columns; the PostgREST driver passes
// them through as-is.
type Row = map[string]any

// Filter is a conjunction of column equality predicates.
type Filter = map[string]string

// timeLayout is the canonical timestamp encoding for persisted rows.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// EncodeTime renders a timestamp in the canonical persisted form. Drivers use
// it to normalize native timestamp values they scan out of their backends.
func EncodeTime(t time.Time) string {
	return encodeTime(t)
}

func decodeTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, errors.Errorf("timestamp column holds %T, want string", v)
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision timestamps written by external tools.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2, nil
		}
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

func rowString(row Row, column string) string {
	if v, ok := row[column]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func rowInt(row Row, column string) int {
	switch v := row[column].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

func rowFloat(row Row, column string) float64 {
	switch v := row[column].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func rowBool(row Row, column string) bool {
	switch v := row[column].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "t" || v == "1"
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

func rowTime(row Row, column string) (time.Time, error) {
	v, ok := row[column]
	if !ok || v == nil {
		return time.Time{}, errors.Errorf("missing timestamp column %q", column)
	}
	return decodeTime(v)
}

// rowJSON decodes a column that may arrive either as a decoded structure
// (PostgREST) or as JSON text (SQL drivers) into out.
func rowJSON(row Row, column string, out any) error {
	v, ok := row[column]
	if !ok || v == nil {
		return nil
	}
	switch typed := v.(type) {
	case string:
		if typed == "" {
			return nil
		}
		return errors.Wrapf(json.Unmarshal([]byte(typed), out), "decode column %q", column)
	case []byte:
		if len(typed) == 0 {
			return nil
		}
		return errors.Wrapf(json.Unmarshal(typed, out), "decode column %q", column)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return errors.Wrapf(err, "re-encode column %q", column)
		}
		return errors.Wrapf(json.Unmarshal(raw, out), "decode column %q", column)
	}
}

// jsonValue normalizes a structured value for storage in a Row. Typed nil
// slices and maps collapse to untyped nil so drivers write NULL rather than
// the JSON text "null".
func jsonValue(v any) any {
	if v == nil {
		return nil
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
	}
	return v
}

func cloneRow(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
