package gateway

import (
	"strconv"
	"time"
)

// Row values arrive in whatever shape the transport produced: sqlite
// scans integers as int64 and booleans as 0/1, JSON decodes numbers as
// float64 and timestamps as strings. These accessors are the single
// place that shape is flattened; nothing past the package boundary
// branches on dynamic types.

// Str returns the named column as a string, or "" when absent.
func (r Row) Str(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Int returns the named column as an int64, or 0 when absent.
func (r Row) Int(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Bool returns the named column as a bool. Numeric values are true when
// non-zero, matching sqlite's integer booleans.
func (r Row) Bool(column string) bool {
	switch v := r[column].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time returns the named column as a time.Time, decoding unix
// milliseconds (the storage format) or RFC 3339 strings (the wire
// format). The zero time is returned when absent.
func (r Row) Time(column string) time.Time {
	switch v := r[column].(type) {
	case time.Time:
		return v
	case int64:
		return time.UnixMilli(v)
	case int:
		return time.UnixMilli(int64(v))
	case float64:
		return time.UnixMilli(int64(v))
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(n)
		}
	}
	return time.Time{}
}

// Has reports whether the column is present (even if nil-valued).
func (r Row) Has(column string) bool {
	_, ok := r[column]
	return ok
}
