package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Time reads a time value as stored by any backend: a native time or an
// RFC 3339 string.
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// Int64 reads an integral number regardless of how the backend decoded it.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// String reads a string field.
func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Equal compares two field values, treating numbers by value and times by
// instant.
func Equal(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := Time(b)
		return ok && ta.Equal(tb)
	}
	if fa, ok := float(a); ok {
		fb, ok := float(b)
		return ok && fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

func float(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sameKind(a, b any) bool {
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}
