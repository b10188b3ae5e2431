package analysis

import "strings"

// ExtractSpokenText returns the first non-blank string value found under the
// candidate field names, in order.
func ExtractSpokenText(payload map[string]any, fields []string) (string, bool) {
	for _, name := range fields {
		value, ok := payload[name]
		if !ok {
			continue
		}
		text, ok := value.(string)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		return text, true
	}
	return "", false
}
