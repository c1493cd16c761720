package pv

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/shopspring/decimal"
)

// convert coerces raw into the canonical Go representation of the PV type:
// int64, float64, string, uint16 (enum index) or byte for scalars and the
// matching slice type for arrays of Count elements.
func convert(info Info, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, fmt.Errorf("value must not be nil")
	}
	if info.Scalar() {
		return convertScalar(info, raw)
	}
	if info.Type == TypeChar {
		switch v := raw.(type) {
		case string:
			return padChars([]byte(v), info.Count)
		case []byte:
			return padChars(v, info.Count)
		}
	}
	elems, err := sliceElements(raw)
	if err != nil {
		return nil, err
	}
	if len(elems) != info.Count {
		return nil, fmt.Errorf("expected %d elements, got %d", info.Count, len(elems))
	}
	switch info.Type {
	case TypeInt:
		out := make([]int64, len(elems))
		for i, elem := range elems {
			v, err := convertIntegerValue(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case TypeFloat:
		out := make([]float64, len(elems))
		for i, elem := range elems {
			v, err := convertFloatValue(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case TypeString:
		out := make([]string, len(elems))
		for i, elem := range elems {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: expected string value, got %T", i, elem)
			}
			out[i] = s
		}
		return out, nil
	case TypeEnum:
		out := make([]uint16, len(elems))
		for i, elem := range elems {
			v, err := convertEnumValue(info.Enums, elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case TypeChar:
		out := make([]byte, len(elems))
		for i, elem := range elems {
			v, err := convertCharValue(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported pv type %q", info.Type)
	}
}

func convertScalar(info Info, raw interface{}) (interface{}, error) {
	switch info.Type {
	case TypeInt:
		return convertIntegerValue(raw)
	case TypeFloat:
		return convertFloatValue(raw)
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return nil, fmt.Errorf("expected string value, got %T", raw)
		}
	case TypeEnum:
		return convertEnumValue(info.Enums, raw)
	case TypeChar:
		return convertCharValue(raw)
	default:
		return nil, fmt.Errorf("unsupported pv type %q", info.Type)
	}
}

func sliceElements(raw interface{}) ([]interface{}, error) {
	if elems, ok := raw.([]interface{}); ok {
		return elems, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected array value, got %T", raw)
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func padChars(src []byte, count int) ([]byte, error) {
	if len(src) > count {
		return nil, fmt.Errorf("expected at most %d chars, got %d", count, len(src))
	}
	out := make([]byte, count)
	copy(out, src)
	return out, nil
}

func convertFloatValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return v, nil
	case float32:
		return convertFloatValue(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse float from string: %w", err)
		}
		return convertFloatValue(parsed)
	default:
		return 0, fmt.Errorf("expected number-compatible value, got %T", value)
	}
}

func convertIntegerValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("value %v is not an integer", v)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("value %v overflows int64", v)
		}
		return int64(v), nil
	case float32:
		return convertIntegerValue(float64(v))
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer-compatible value, got %T", value)
	}
}

func convertEnumValue(labels []string, value interface{}) (uint16, error) {
	if s, ok := value.(string); ok {
		for idx, label := range labels {
			if label == s {
				return uint16(idx), nil
			}
		}
	}
	idx, err := convertIntegerValue(value)
	if err != nil {
		return 0, err
	}
	if idx < 0 || idx > math.MaxUint16 {
		return 0, fmt.Errorf("enum index %d out of range", idx)
	}
	if len(labels) > 0 && int(idx) >= len(labels) {
		return 0, fmt.Errorf("enum index %d exceeds %d labels", idx, len(labels))
	}
	return uint16(idx), nil
}

func convertCharValue(value interface{}) (byte, error) {
	v, err := convertIntegerValue(value)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > math.MaxUint8 {
		return 0, fmt.Errorf("char value %d out of range", v)
	}
	return byte(v), nil
}

// zeroValue returns the canonical empty value of a PV.
func zeroValue(info Info) interface{} {
	if info.Scalar() {
		switch info.Type {
		case TypeInt:
			return int64(0)
		case TypeFloat:
			return float64(0)
		case TypeString:
			return ""
		case TypeEnum:
			return uint16(0)
		case TypeChar:
			return byte(0)
		}
		return nil
	}
	switch info.Type {
	case TypeInt:
		return make([]int64, info.Count)
	case TypeFloat:
		return make([]float64, info.Count)
	case TypeString:
		return make([]string, info.Count)
	case TypeEnum:
		return make([]uint16, info.Count)
	case TypeChar:
		return make([]byte, info.Count)
	}
	return nil
}

// cloneValue copies slices so that snapshots never alias record state.
func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []int64:
		return append([]int64(nil), v...)
	case []float64:
		return append([]float64(nil), v...)
	case []string:
		return append([]string(nil), v...)
	case []uint16:
		return append([]uint16(nil), v...)
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case []int64, []float64, []string, []uint16, []byte:
		return reflect.DeepEqual(av, b)
	default:
		return a == b
	}
}

// ToFloat returns the numeric value of a scalar int, float, enum or char value.
func ToFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint16:
		return float64(v), true
	case byte:
		return float64(v), true
	default:
		return 0, false
	}
}

// exceedsDeadband compares |next-previous| against the deadband in decimal
// arithmetic.
func exceedsDeadband(previous, next, deadband float64) bool {
	diff := decimal.NewFromFloat(next).Sub(decimal.NewFromFloat(previous)).Abs()
	return diff.GreaterThan(decimal.NewFromFloat(deadband))
}
