package policy

import (
	"fmt"
	"strconv"
)

// stringify renders an attribute value for string comparison
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// numeric extracts a float64 from the value kinds an Attrs map can carry
func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
