package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// stringify liefert die textuelle Form eines Payload-Werts.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// KeyString liefert die Form eines Werts, unter der Original-IDs indiziert
// werden. Ganzzahlige float64 erscheinen ohne Exponent.
func KeyString(v any) string {
	return stringify(v)
}

// isNumber meldet, ob v ein Zahlentyp ist (keine Zeichenkette).
func isNumber(v any) bool {
	switch v.(type) {
	case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}

// toFloat versucht v als Zahl zu lesen; Zeichenketten werden geparst.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// looseEqual vergleicht numerisch, sobald eine Seite eine Zahl ist, sonst über die Textform.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		fa, okA := toFloat(a)
		fb, okB := toFloat(b)
		if okA && okB {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}
