package completion

import (
	"encoding/json"
	"strings"
)

// extractedEvent is a well-formed `{"event": "ns:action", "data": {...}}`
// object found embedded in provider output.
type extractedEvent struct {
	Name string
	Data map[string]any
}

// extractEvents scans text for embedded JSON event objects. It returns
// every well-formed match plus a human-readable description of each
// malformed candidate it found along the way (single-quoted keys/strings,
// trailing commas) so the caller can build feedback for the emitting agent.
func extractEvents(text string) (events []extractedEvent, malformed []string) {
	for _, candidate := range findBraceBalancedObjects(text) {
		if !strings.Contains(candidate, `"event"`) && !strings.Contains(candidate, `'event'`) {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(candidate), &raw); err == nil {
			name, _ := raw["event"].(string)
			data, _ := raw["data"].(map[string]any)
			if name != "" {
				events = append(events, extractedEvent{Name: name, Data: data})
				continue
			}
		}
		if reason := malformedReason(candidate); reason != "" {
			malformed = append(malformed, reason)
		}
	}
	return events, malformed
}

// findBraceBalancedObjects returns every top-level `{...}` substring of
// text, scanning for balanced braces while ignoring braces inside quoted
// strings (single or double quoted, since malformed candidates may use
// either).
func findBraceBalancedObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	var quote rune
	inQuote := false
	escaped := false

	for i, r := range text {
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				inQuote = false
			}
			continue
		}
		switch r {
		case '"', '\'':
			inQuote = true
			quote = r
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// malformedReason classifies a candidate object that contained "event" but
// failed to parse as strict JSON, describing the specific pattern so
// feedback can enumerate it.
func malformedReason(candidate string) string {
	switch {
	case strings.Contains(candidate, "'"):
		return "single quotes instead of double quotes: " + candidate
	case hasTrailingComma(candidate):
		return "trailing comma before closing brace/bracket: " + candidate
	default:
		return "invalid JSON: " + candidate
	}
}

func hasTrailingComma(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '}' || c == ']' {
			rest := strings.TrimRight(s[:i], " \t\n\r")
			if strings.HasSuffix(rest, ",") {
				return true
			}
		}
	}
	return false
}
