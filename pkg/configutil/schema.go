package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider accepts in its settings block. Section
// names the block in errors, e.g. "session.settings".
type Schema struct {
	Section      string
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every missing and unknown key of one block at once,
// so an operator can fix a config file in a single pass.
type SettingsError struct {
	Section string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Section != "" {
		return e.Section + ": " + msg
	}
	return msg
}

// ValidateSettings checks input against schema. Keys match regardless of
// case, underscores and hyphens. It returns a *SettingsError or nil.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			missing = append(missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			missing = append(missing, reqKey)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Section: schema.Section, Missing: missing, Unknown: unknown}
}

// isEmptyValue treats blank strings and empty lists as unset. YAML turns
// `addr:` into nil and `prompts: []` into an empty slice.
func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
