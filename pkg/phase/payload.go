package phase

import (
	"fmt"
	"strconv"
	"strings"
)

// boolField reads key from an event value. Engines send JSON booleans but
// string forms show up through some gateways, so both are accepted.
func boolField(value any, key string) (bool, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return false, false
	}
	raw, ok := lookup(m, key)
	if !ok {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	default:
		return false, false
	}
}

// stringField reads key as text. Numeric caller ids are rendered without an
// exponent.
func stringField(m map[string]any, key string) string {
	raw, ok := lookup(m, key)
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// lookup prefers an exact key and falls back to a case-insensitive match.
func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func valueString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}
