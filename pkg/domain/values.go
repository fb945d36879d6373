package domain

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKey returns a comparison key for a field value. Integers of any width
// and integral floats share a key so values read from different stores join.
func ValueKey(v any) string {
	switch n := v.(type) {
	case nil:
		return "nil"
	case string:
		return "s|" + n
	case []byte:
		return "s|" + string(n)
	case int:
		return "n|" + strconv.FormatInt(int64(n), 10)
	case int8:
		return "n|" + strconv.FormatInt(int64(n), 10)
	case int16:
		return "n|" + strconv.FormatInt(int64(n), 10)
	case int32:
		return "n|" + strconv.FormatInt(int64(n), 10)
	case int64:
		return "n|" + strconv.FormatInt(n, 10)
	case uint:
		return "n|" + strconv.FormatUint(uint64(n), 10)
	case uint8:
		return "n|" + strconv.FormatUint(uint64(n), 10)
	case uint16:
		return "n|" + strconv.FormatUint(uint64(n), 10)
	case uint32:
		return "n|" + strconv.FormatUint(uint64(n), 10)
	case uint64:
		return "n|" + strconv.FormatUint(n, 10)
	case float32:
		return floatKey(float64(n))
	case float64:
		return floatKey(n)
	default:
		return fmt.Sprintf("%T|%v", v, v)
	}
}

func floatKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return "n|" + strconv.FormatInt(int64(f), 10)
	}
	return "f|" + strconv.FormatFloat(f, 'g', -1, 64)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
