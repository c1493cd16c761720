package pv

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Format renders a value for display using the PV's precision and enum labels.
func Format(info Info, value interface{}) string {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v).StringFixed(int32(info.Precision))
	case int64:
		return strconv.FormatInt(v, 10)
	case uint16:
		if int(v) < len(info.Enums) {
			return info.Enums[v]
		}
		return strconv.FormatUint(uint64(v), 10)
	case byte:
		return strconv.FormatUint(uint64(v), 10)
	case string:
		return v
	case []byte:
		if idx := bytes.IndexByte(v, 0); idx >= 0 {
			return string(v[:idx])
		}
		return string(v)
	case []float64:
		parts := make([]string, len(v))
		for i, elem := range v {
			parts[i] = Format(info, elem)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case []int64:
		parts := make([]string, len(v))
		for i, elem := range v {
			parts[i] = strconv.FormatInt(elem, 10)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case []uint16:
		parts := make([]string, len(v))
		for i, elem := range v {
			parts[i] = Format(info, elem)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case []string:
		return "[" + strings.Join(v, " ") + "]"
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
