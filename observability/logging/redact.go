package logging

import "strings"

// RedactedValue is the canonical placeholder for sensitive values in logs.
const RedactedValue = "[REDACTED]"

// MaskValue replaces non-empty sensitive values with the redaction
// placeholder. Empty values pass through unchanged so a log line still shows
// whether the value was configured at all.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}
