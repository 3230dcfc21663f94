package variable

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// dateTimeLayouts — форматы, которые принимает DATE_TIME.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func processIdentity(raw any) any {
	return raw
}

func processText(raw any) any {
	switch v := raw.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case json.RawMessage:
		return string(v)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return invalid(raw, err.Error())
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

func processNumber(raw any) any {
	switch v := raw.(type) {
	case float64:
		return finite(raw, v)
	case float32:
		return finite(raw, float64(v))
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	case bool:
		if v {
			return float64(1)
		}
		return float64(0)
	case json.Number:
		return parseNumber(raw, v.String())
	case string:
		return parseNumber(raw, v)
	default:
		return invalid(raw, fmt.Sprintf("cannot convert %T to number", raw))
	}
}

func parseNumber(raw any, s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return invalid(raw, "empty string is not a number")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return invalid(raw, fmt.Sprintf("%q is not a number", s))
	}
	return finite(raw, f)
}

func finite(raw any, f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid(raw, "number is not finite")
	}
	return f
}

func processCheckbox(raw any) any {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off", "":
			return false
		default:
			return invalid(raw, fmt.Sprintf("%q is not a boolean", v))
		}
	}

	n := processNumber(raw)
	if f, ok := n.(float64); ok {
		return f != 0
	}
	return invalid(raw, fmt.Sprintf("cannot convert %T to boolean", raw))
}

func processDateTime(raw any) any {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return invalid(raw, "empty string is not a date")
		}
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(raw, f)
		}
		return invalid(raw, fmt.Sprintf("%q is not a date", v))
	}

	n := processNumber(raw)
	if f, ok := n.(float64); ok {
		return unixTime(raw, f)
	}
	return invalid(raw, fmt.Sprintf("cannot convert %T to date", raw))
}

// Границы unix-секунд: 0001-01-01T00:00:00Z .. 9999-12-31T23:59:59Z.
const (
	minUnixSeconds = -62135596800
	maxUnixSeconds = 253402300799
)

func unixTime(raw any, sec float64) any {
	if v, ok := finite(raw, sec).(Invalid); ok {
		return v
	}
	if sec < minUnixSeconds || sec > maxUnixSeconds {
		return invalid(raw, "date out of range")
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}

func processJSON(raw any) any {
	switch v := raw.(type) {
	case string:
		return parseJSON(raw, v)
	case json.RawMessage:
		return parseJSON(raw, string(v))
	case []byte:
		return parseJSON(raw, string(v))
	default:
		return raw
	}
}

func parseJSON(raw any, s string) any {
	if !gjson.Valid(s) {
		return invalid(raw, "malformed JSON")
	}
	return gjson.Parse(s).Value()
}

func processObject(raw any) any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string, json.RawMessage, []byte:
		parsed := processJSON(raw)
		if m, ok := parsed.(map[string]any); ok {
			return m
		}
		if IsInvalid(parsed) {
			return parsed
		}
		return invalid(raw, "JSON value is not an object")
	default:
		return invalid(raw, fmt.Sprintf("cannot convert %T to object", raw))
	}
}

func processArray(raw any) any {
	switch v := raw.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return []any{}
		}
		if parsed := gjson.Parse(s); gjson.Valid(s) && parsed.IsArray() {
			return parsed.Value()
		}
		return []any{v}
	case json.RawMessage:
		if parsed := gjson.ParseBytes(v); gjson.ValidBytes(v) && parsed.IsArray() {
			return parsed.Value()
		}
		return invalid(raw, "JSON value is not an array")
	default:
		return []any{raw}
	}
}
