package core

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Config values arrive from JSON columns and untyped host configuration, so
// numbers may be float64, json.Number, or strings, and lists may be typed
// slices. The helpers below normalize those shapes; entries that cannot be
// coerced are dropped.

func asInt(value any) (int, bool) {
	switch number := value.(type) {
	case int:
		return number, true
	case int8:
		return int(number), true
	case int16:
		return int(number), true
	case int32:
		return int(number), true
	case int64:
		return int(number), true
	case uint:
		return int(number), true
	case uint8:
		return int(number), true
	case uint16:
		return int(number), true
	case uint32:
		return int(number), true
	case uint64:
		return int(number), true
	case float32:
		return int(number), true
	case float64:
		if math.IsNaN(number) || math.IsInf(number, 0) {
			return 0, false
		}
		return int(number), true
	case json.Number:
		return asIntString(number.String())
	case string:
		return asIntString(number)
	default:
		return 0, false
	}
}

func asIntString(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int(f), true
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	case json.Number:
		f, err := number.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
		return f, err == nil
	default:
		if n, ok := asInt(value); ok {
			return float64(n), true
		}
		return 0, false
	}
}

func asString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// asSlice accepts []any as well as typed slices ([]string, []int, ...) the
// way hosts tend to hand configuration over.
func asSlice(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}

	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}

	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// intSet collects config[key] into a set of ints, dropping entries that are
// not numeric or fail the keep filter.
func intSet(config map[string]any, key string, keep func(int) bool) map[int]struct{} {
	items, ok := asSlice(config[key])
	if !ok {
		return nil
	}

	set := make(map[int]struct{}, len(items))
	for _, item := range items {
		n, ok := asInt(item)
		if !ok {
			continue
		}
		if keep != nil && !keep(n) {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}
